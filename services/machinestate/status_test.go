package machinestate

import (
	"encoding/json"
	"testing"
	"time"
)

func TestProject(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		last    time.Time
		now     time.Time
		want    Liveness
		wantAge int64
	}{
		{name: "never reported", last: time.Time{}, now: base, want: Unknown},
		{name: "just updated", last: base, now: base, want: Live, wantAge: 0},
		{name: "just under threshold", last: base, now: base.Add(2999 * time.Millisecond), want: Live, wantAge: 2999},
		{name: "at threshold", last: base, now: base.Add(3000 * time.Millisecond), want: Stale, wantAge: 3000},
		{name: "long gone", last: base, now: base.Add(time.Hour), want: Stale, wantAge: 3600000},
		{name: "clock skew", last: base, now: base.Add(-time.Second), want: Live, wantAge: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Project(tt.last, tt.now)
			if got.Status != tt.want {
				t.Fatalf("Project() status = %s, want %s", got.Status, tt.want)
			}
			if tt.want == Unknown {
				if got.AgeMs != nil || got.LastUpdateAt != nil {
					t.Fatalf("Project() = %+v, want empty age and timestamp", got)
				}
				return
			}
			if got.AgeMs == nil || *got.AgeMs != tt.wantAge {
				t.Fatalf("Project() ageMs = %v, want %d", got.AgeMs, tt.wantAge)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, nil)

	if got := s.Status("m1").Status; got != Unknown {
		t.Fatalf("Status() = %s before any update, want UNKNOWN", got)
	}

	_ = s.Update("m1", json.RawMessage(`{}`))
	if got := s.Status("m1").Status; got != Live {
		t.Fatalf("Status() = %s right after update, want LIVE", got)
	}

	clock.Advance(3 * time.Second)
	if got := s.Status("m1").Status; got != Stale {
		t.Fatalf("Status() = %s after 3s, want STALE", got)
	}

	clock.Advance(time.Minute)
	if got := s.Status("m1").Status; got != Stale {
		t.Fatalf("Status() = %s later without updates, want STALE", got)
	}

	_ = s.Update("m1", json.RawMessage(`{}`))
	if got := s.Status("m1").Status; got != Live {
		t.Fatalf("Status() = %s after a new update, want LIVE", got)
	}
}

func TestStatusJSONShape(t *testing.T) {
	data, err := json.Marshal(Project(time.Time{}, time.Now()))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"status":"UNKNOWN","ageMs":null,"lastUpdateAt":null}` {
		t.Fatalf("Marshal(Status) = %s", data)
	}
}

package machinestate

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) PublishTelemetry(machineID string, payload json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, machineID+" "+string(payload))
}

func newTestStore(t *testing.T, clock *fakeClock, n Notifier) *Store {
	t.Helper()
	s, err := NewStore(Options{Now: clock.Now, Notifier: n})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)

	for i := 1; i <= 60; i++ {
		if err := s.Update("m2", json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
			t.Fatalf("Update(%d) error = %v", i, err)
		}
	}

	history := s.History("m2")
	if len(history) != DefaultHistorySize {
		t.Fatalf("len(History) = %d, want %d", len(history), DefaultHistorySize)
	}
	if got := string(history[0].Data); got != `{"seq":11}` {
		t.Fatalf("History[0] = %s, want update #11", got)
	}
	if got := string(history[len(history)-1].Data); got != `{"seq":60}` {
		t.Fatalf("History[last] = %s, want update #60", got)
	}
}

func TestHistoryHoldsLastMinNH(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		updates  int
	}{
		{name: "under capacity", capacity: 5, updates: 3},
		{name: "exactly full", capacity: 5, updates: 5},
		{name: "wrapped twice", capacity: 5, updates: 13},
		{name: "capacity one", capacity: 1, updates: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(Options{HistorySize: tt.capacity})
			if err != nil {
				t.Fatalf("NewStore() error = %v", err)
			}
			for i := 1; i <= tt.updates; i++ {
				if err := s.Update("m", json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
					t.Fatalf("Update() error = %v", err)
				}
			}

			history := s.History("m")
			want := min(tt.updates, tt.capacity)
			if len(history) != want {
				t.Fatalf("len(History) = %d, want %d", len(history), want)
			}
			first := tt.updates - want + 1
			for i, sample := range history {
				if got, want := string(sample.Data), fmt.Sprintf("%d", first+i); got != want {
					t.Fatalf("History[%d] = %s, want %s", i, got, want)
				}
			}
		})
	}
}

func TestLatestIsPerMachine(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)

	if got := s.Latest("m1"); got != nil {
		t.Fatalf("Latest(unknown) = %s, want nil", got)
	}

	_ = s.Update("m1", json.RawMessage(`{"flow":3.7}`))
	_ = s.Update("m2", json.RawMessage(`{"flow":1}`))
	_ = s.Update("m1", json.RawMessage(`{"flow":4.1}`))

	if got := string(s.Latest("m1")); got != `{"flow":4.1}` {
		t.Fatalf("Latest(m1) = %s", got)
	}
	if got := string(s.Latest("m2")); got != `{"flow":1}` {
		t.Fatalf("Latest(m2) = %s", got)
	}
	if got := s.Machines(); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("Machines() = %v", got)
	}
}

func TestUpdateRejectsBadInput(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)

	if err := s.Update("", json.RawMessage(`{}`)); err == nil {
		t.Fatal("Update() expected error for empty machine id")
	}
	if err := s.Update("m1", json.RawMessage(`{"flow":`)); err == nil {
		t.Fatal("Update() expected error for malformed payload")
	}
	if got := s.Latest("m1"); got != nil {
		t.Fatalf("Latest(m1) = %s after rejected update", got)
	}
}

func TestUpdateCopiesPayload(t *testing.T) {
	s := newTestStore(t, newFakeClock(), nil)

	buf := []byte(`{"a":1}`)
	_ = s.Update("m1", buf)
	copy(buf, []byte(`{"b":2}`))

	if got := string(s.Latest("m1")); got != `{"a":1}` {
		t.Fatalf("Latest(m1) = %s, stored payload was mutated", got)
	}
}

func TestUpdateNotifiesInOrder(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestStore(t, newFakeClock(), n)

	_ = s.Update("m1", json.RawMessage(`1`))
	_ = s.Update("m1", json.RawMessage(`2`))

	want := []string{"m1 1", "m1 2"}
	if len(n.events) != len(want) {
		t.Fatalf("notifications = %v, want %v", n.events, want)
	}
	for i := range want {
		if n.events[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", n.events, want)
		}
	}
}

func TestLastUpdateUsesStoreClock(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock, nil)

	_ = s.Update("m1", json.RawMessage(`{"ts":"1999-01-01T00:00:00Z"}`))
	got, ok := s.LastUpdate("m1")
	if !ok || !got.Equal(clock.Now()) {
		t.Fatalf("LastUpdate() = %v, %v; want %v", got, ok, clock.Now())
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s, err := NewStore(Options{HistorySize: 1000})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	const (
		machines = 4
		writers  = 8
		perW     = 50
	)

	var wg sync.WaitGroup
	for m := 0; m < machines; m++ {
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(m, w int) {
				defer wg.Done()
				id := fmt.Sprintf("m%d", m)
				for i := 0; i < perW; i++ {
					_ = s.Update(id, json.RawMessage(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i)))
				}
			}(m, w)
		}
	}
	wg.Wait()

	for m := 0; m < machines; m++ {
		id := fmt.Sprintf("m%d", m)
		if got := len(s.History(id)); got != writers*perW {
			t.Fatalf("len(History(%s)) = %d, want %d", id, got, writers*perW)
		}
	}
}

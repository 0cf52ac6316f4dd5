package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: time.Second},
		{name: "zero treated as first", attempt: 0, want: time.Second},
		{name: "doubles", attempt: 3, want: 4 * time.Second},
		{name: "capped", attempt: 10, want: 30 * time.Second},
		{name: "huge attempt stays capped", attempt: 200, want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.attempt, time.Second, 30*time.Second); got != tt.want {
				t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestSubjectFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{topic: "devices/+/telemetry", want: "devices.*.telemetry"},
		{topic: "edge/#", want: "edge.>"},
		{topic: "edge/commands", want: "edge.commands"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := SubjectFromTopic(tt.topic); got != tt.want {
				t.Fatalf("SubjectFromTopic(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}

	if got := TopicFromSubject("machine.m1.status"); got != "machine/m1/status" {
		t.Fatalf("TopicFromSubject() = %q", got)
	}
}

func TestDottedMachineIDRoundTrip(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{topic: "devices/line1.m1/telemetry", subject: "devices.line1%2Em1.telemetry"},
		{topic: "devices/50%.load/acks", subject: "devices.50%25%2Eload.acks"},
		{topic: "devices/%2E/status", subject: "devices.%252E.status"},
		{topic: "machine/m1/status", subject: "machine.m1.status"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			subject := SubjectFromTopic(tt.topic)
			if subject != tt.subject {
				t.Fatalf("SubjectFromTopic(%q) = %q, want %q", tt.topic, subject, tt.subject)
			}
			if got := TopicFromSubject(subject); got != tt.topic {
				t.Fatalf("TopicFromSubject(%q) = %q, want %q", subject, got, tt.topic)
			}
		})
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{name: "exact", pattern: "edge/rules/audit", topic: "edge/rules/audit", want: true},
		{name: "single level", pattern: "devices/+/telemetry", topic: "devices/m1/telemetry", want: true},
		{name: "single level empty segment", pattern: "devices/+/telemetry", topic: "devices//telemetry", want: false},
		{name: "single level too deep", pattern: "devices/+/telemetry", topic: "devices/a/b/telemetry", want: false},
		{name: "multi level", pattern: "edge/#", topic: "edge/rules/audit", want: true},
		{name: "shorter topic", pattern: "devices/+/telemetry", topic: "devices/m1", want: false},
		{name: "mismatch", pattern: "machine/+/status", topic: "devices/m1/status", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
				t.Fatalf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
			}
		})
	}
}

func TestEncodePassesRawThrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	got, err := encode(raw)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("encode(raw) = %s", got)
	}

	got, err = encode(map[string]int{"b": 2})
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if string(got) != `{"b":2}` {
		t.Fatalf("encode(map) = %s", got)
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	if _, err := Open("kafka", "localhost:9092", Options{}); err == nil {
		t.Fatal("Open() expected error for unsupported kind")
	}
}

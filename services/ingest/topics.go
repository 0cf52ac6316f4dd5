package ingest

import "strings"

// Kind is the closed set of topic shapes this service routes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindStatus
	KindAck
	KindAudit
)

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindStatus:
		return "status"
	case KindAck:
		return "ack"
	case KindAudit:
		return "audit"
	default:
		return "unknown"
	}
}

// Route is a matched topic. MachineID is empty for Audit.
type Route struct {
	Kind      Kind
	MachineID string
}

type shape struct {
	kind    Kind
	pattern string
	// prefix and suffix surround the machine id segment
	prefix, suffix string
}

var shapes = []shape{
	{kind: KindTelemetry, pattern: "devices/+/telemetry", prefix: "devices", suffix: "telemetry"},
	{kind: KindStatus, pattern: "machine/+/status", prefix: "machine", suffix: "status"},
	{kind: KindAck, pattern: "devices/+/acks", prefix: "devices", suffix: "acks"},
	{kind: KindAudit, pattern: "edge/rules/audit"},
}

// Patterns returns the subscription patterns for every known shape.
func Patterns() []string {
	out := make([]string, len(shapes))
	for i, s := range shapes {
		out[i] = s.pattern
	}
	return out
}

// MatchTopic maps a concrete topic to its route.
func MatchTopic(topic string) (Route, bool) {
	parts := strings.Split(topic, "/")
	for _, s := range shapes {
		if s.prefix == "" {
			if topic == s.pattern {
				return Route{Kind: s.kind}, true
			}
			continue
		}
		if len(parts) == 3 && parts[0] == s.prefix && parts[2] == s.suffix && parts[1] != "" {
			return Route{Kind: s.kind, MachineID: parts[1]}, true
		}
	}
	return Route{}, false
}

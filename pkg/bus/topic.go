package bus

import "strings"

// Dots separate NATS tokens, so a dot inside a topic level (a machine id
// like line1.m1) is carried as %2E and a literal % as %25.
var (
	levelEscaper   = strings.NewReplacer("%", "%25", ".", "%2E")
	levelUnescaper = strings.NewReplacer("%2E", ".", "%25", "%")
)

// SubjectFromTopic converts an MQTT style topic or pattern into a NATS
// subject: separators become dots, + becomes * and # becomes >.
func SubjectFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		default:
			parts[i] = levelEscaper.Replace(p)
		}
	}
	return strings.Join(parts, ".")
}

// TopicFromSubject is the inverse of SubjectFromTopic for concrete subjects.
func TopicFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	for i, p := range parts {
		parts[i] = levelUnescaper.Replace(p)
	}
	return strings.Join(parts, "/")
}

// MatchTopic reports whether topic matches an MQTT wildcard pattern.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
		if p == "+" && tp[i] == "" {
			return false
		}
	}
	return len(pp) == len(tp)
}

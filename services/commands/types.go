// Package commands tracks operator commands from issue to a terminal
// acknowledgement.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is a command lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
	StatusTimeout Status = "timeout"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcked, StatusTimeout, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseOutcome validates an acknowledgement status. An empty value means
// acked.
func ParseOutcome(s string) (Status, error) {
	if s == "" {
		return StatusAcked, nil
	}
	st := Status(s)
	if !st.Terminal() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
	return st, nil
}

var (
	// ErrInvalidCommand is returned for requests that cannot become a command.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnknownCommand is returned when a catalog is loaded and does not
	// list the requested name.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidOutcome is returned for acknowledgement statuses other than
	// acked, timeout and failed.
	ErrInvalidOutcome = errors.New("invalid acknowledgement status")
	// ErrNotFound is returned for unknown correlation ids.
	ErrNotFound = errors.New("command not found")
)

// Command is a read-only snapshot of a tracked command.
type Command struct {
	ID        string          `json:"cmd_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	SentAt    *time.Time      `json:"sentAt,omitempty"`
	AckAt     *time.Time      `json:"ackAt,omitempty"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
}

func (c Command) clone() Command {
	if c.SentAt != nil {
		t := *c.SentAt
		c.SentAt = &t
	}
	if c.AckAt != nil {
		t := *c.AckAt
		c.AckAt = &t
	}
	return c
}

// Request is what the dispatch gateway receives. ID must be echoed back on
// every acknowledgement.
type Request struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// Dispatcher hands a command to the execution service. A returned error
// means the command was not accepted.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// Notifier pushes lifecycle events to subscribers. It must not block.
type Notifier interface {
	Broadcast(event string, data any)
}

// Transition is one lifecycle change, as recorded by a Journal.
type Transition struct {
	CommandID string
	Name      string
	Status    Status
	Payload   json.RawMessage
	Error     string
	At        time.Time
}

// Journal records transitions. Append must not block.
type Journal interface {
	Append(Transition)
}

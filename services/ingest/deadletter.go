package ingest

import (
	"sync"
	"time"

	"forgehub/pkg/metrics"
)

// DefaultDeadLetterCapacity bounds the dead-letter bucket.
const DefaultDeadLetterCapacity = 100

// DeadLetter is a message that could not be applied.
type DeadLetter struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DeadLetters is a bounded FIFO; the oldest entry is dropped when full.
type DeadLetters struct {
	mu       sync.Mutex
	capacity int
	items    []DeadLetter
}

// NewDeadLetters returns a bucket holding at most capacity entries.
func NewDeadLetters(capacity int) *DeadLetters {
	if capacity <= 0 {
		capacity = DefaultDeadLetterCapacity
	}
	return &DeadLetters{capacity: capacity}
}

func (d *DeadLetters) add(dl DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == d.capacity {
		copy(d.items, d.items[1:])
		d.items = d.items[:len(d.items)-1]
	}
	d.items = append(d.items, dl)
	metrics.DeadLetters.Set(float64(len(d.items)))
}

// List returns the held entries oldest first.
func (d *DeadLetters) List() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.items))
	copy(out, d.items)
	return out
}

// Len reports how many entries are held.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

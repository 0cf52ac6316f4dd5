// Package machinestate holds live per-machine telemetry: the latest payload,
// when it arrived and a bounded ring of recent payloads.
package machinestate

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forgehub/pkg/metrics"
)

// DefaultHistorySize is the per-machine ring capacity.
const DefaultHistorySize = 50

// Sample is one accepted payload and the time the store accepted it.
type Sample struct {
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Notifier receives every accepted update. It is called while the machine's
// record is locked so calls for one machine arrive in history order; it must
// not block.
type Notifier interface {
	PublishTelemetry(machineID string, payload json.RawMessage)
}

// Options configures a Store.
type Options struct {
	HistorySize int
	Notifier    Notifier
	Logger      zerolog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the process-wide telemetry store. Each machine has its own lock;
// updates to different machines never contend.
type Store struct {
	records  sync.Map // machine id -> *record
	capacity int
	notifier Notifier
	now      func() time.Time
	log      zerolog.Logger
}

type record struct {
	mu           sync.Mutex
	latest       json.RawMessage
	lastUpdateAt time.Time

	// ring buffer; head is the index of the oldest sample
	ring []Sample
	head int
	size int
}

// NewStore constructs a Store.
func NewStore(opts Options) (*Store, error) {
	if opts.HistorySize < 0 {
		return nil, errors.New("history size must not be negative")
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		capacity: opts.HistorySize,
		notifier: opts.Notifier,
		now:      opts.Now,
		log:      opts.Logger.With().Str("component", "machinestate").Logger(),
	}, nil
}

// Update accepts payload as the newest sample for machineID, evicting the
// oldest history entry once the ring is full, then notifies subscribers.
// The payload is copied; callers may reuse their buffer.
func (s *Store) Update(machineID string, payload json.RawMessage) error {
	if machineID == "" {
		return errors.New("machine id is required")
	}
	if !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}

	data := make(json.RawMessage, len(payload))
	copy(data, payload)

	rec := s.record(machineID)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := s.now()
	rec.push(Sample{Data: data, ReceivedAt: now}, s.capacity)
	rec.latest = data
	rec.lastUpdateAt = now

	metrics.StoreUpdates.Inc()
	if s.notifier != nil {
		s.notifier.PublishTelemetry(machineID, data)
	}
	return nil
}

// Latest returns the most recent payload or nil when the machine never
// reported. The returned bytes are shared and must not be modified.
func (s *Store) Latest(machineID string) json.RawMessage {
	rec, ok := s.lookup(machineID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.latest
}

// History returns the retained samples oldest first. The slice is a copy.
func (s *Store) History(machineID string) []Sample {
	rec, ok := s.lookup(machineID)
	if !ok {
		return []Sample{}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]Sample, 0, rec.size)
	for i := 0; i < rec.size; i++ {
		out = append(out, rec.ring[(rec.head+i)%len(rec.ring)])
	}
	return out
}

// LastUpdate returns when the store last accepted a payload for machineID.
func (s *Store) LastUpdate(machineID string) (time.Time, bool) {
	rec, ok := s.lookup(machineID)
	if !ok {
		return time.Time{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lastUpdateAt, !rec.lastUpdateAt.IsZero()
}

// Status projects liveness for machineID at the current time.
func (s *Store) Status(machineID string) Status {
	last, ok := s.LastUpdate(machineID)
	if !ok {
		return Project(time.Time{}, s.now())
	}
	return Project(last, s.now())
}

// Machines lists every machine that has reported, sorted by id.
func (s *Store) Machines() []string {
	ids := []string{}
	s.records.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (s *Store) record(machineID string) *record {
	if rec, ok := s.records.Load(machineID); ok {
		return rec.(*record)
	}
	actual, loaded := s.records.LoadOrStore(machineID, &record{ring: make([]Sample, s.capacity)})
	if !loaded {
		metrics.TrackedMachines.Inc()
		s.log.Info().Str("machine_id", machineID).Msg("tracking new machine")
	}
	return actual.(*record)
}

func (s *Store) lookup(machineID string) (*record, bool) {
	rec, ok := s.records.Load(machineID)
	if !ok {
		return nil, false
	}
	return rec.(*record), true
}

func (r *record) push(sample Sample, capacity int) {
	if r.size < capacity {
		r.ring[(r.head+r.size)%capacity] = sample
		r.size++
		return
	}
	r.ring[r.head] = sample
	r.head = (r.head + 1) % capacity
}

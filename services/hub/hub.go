// Package hub fans events out to every connected push subscriber.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"forgehub/pkg/metrics"
)

// DefaultQueueSize bounds each subscriber's outbound queue.
const DefaultQueueSize = 256

// Event names pushed to subscribers.
const (
	EventTelemetry      = "telemetry"
	EventCommandSent    = "command_sent"
	EventCommandAck     = "command_ack"
	EventCommandTimeout = "command_timeout"
	EventCommandFailed  = "command_failed"
)

// Frame is the wire shape of every pushed event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type telemetryData struct {
	MachineID string          `json:"machineId"`
	Data      json.RawMessage `json:"data"`
}

// Hub tracks subscribers and broadcasts to all of them. Broadcast never
// blocks: a subscriber whose queue is full loses its oldest frame.
type Hub struct {
	log       zerolog.Logger
	queueSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a hub whose subscribers buffer up to queueSize frames.
func New(queueSize int, logger zerolog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		log:       logger.With().Str("component", "hub").Logger(),
		queueSize: queueSize,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. It only sees events broadcast after
// this call returns.
func (h *Hub) Subscribe() (*Subscription, error) {
	sub := &Subscription{ch: make(chan []byte, h.queueSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	h.subs[sub] = struct{}{}
	metrics.HubSubscribers.Set(float64(len(h.subs)))
	return sub, nil
}

// Unsubscribe removes sub and closes its queue. Unknown or already removed
// subscribers are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	metrics.HubSubscribers.Set(float64(len(h.subs)))
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast encodes one frame and offers it to every subscriber.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	frame, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}

	metrics.HubBroadcasts.WithLabelValues(event).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.offer(frame) {
			metrics.HubDrops.Inc()
		}
	}
}

// PublishTelemetry pushes a telemetry event for machineID.
func (h *Hub) PublishTelemetry(machineID string, payload json.RawMessage) {
	h.Broadcast(EventTelemetry, telemetryData{MachineID: machineID, Data: payload})
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	metrics.HubSubscribers.Set(0)
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// Subscription is one subscriber's bounded outbound queue.
type Subscription struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	dropped uint64
}

// C yields encoded frames. It is closed when the subscriber is removed.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Dropped reports how many frames were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues frame, discarding the oldest queued frame when full. It
// reports whether a frame was dropped.
func (s *Subscription) offer(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	dropped := false
	for {
		select {
		case s.ch <- frame:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			dropped = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"forgehub/pkg/metrics"
)

const (
	// DefaultRetention is how many terminal commands are kept for queries.
	DefaultRetention = 1000
	// DefaultListLimit caps List when no limit is given.
	DefaultListLimit = 200
)

// Event names broadcast on lifecycle transitions.
const (
	EventSent    = "command_sent"
	EventAck     = "command_ack"
	EventTimeout = "command_timeout"
	EventFailed  = "command_failed"
)

type lifecycleEvent struct {
	ID string `json:"cmd_id"`
}

type failedEvent struct {
	ID    string `json:"cmd_id"`
	Error string `json:"error"`
}

// Options configures a Tracker.
type Options struct {
	Dispatcher Dispatcher
	Notifier   Notifier
	Journal    Journal
	// Catalog, when set, restricts issue to the listed names.
	Catalog *Catalog
	// AckTimeout arms a timer on every sent command. Zero leaves timeouts
	// to external reporters.
	AckTimeout time.Duration
	Retention  int
	Logger     zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

type outcome struct {
	status Status
	err    string
}

type entry struct {
	cmd     Command
	timeout time.Duration
	timer   *time.Timer
	// early holds an acknowledgement that arrived before dispatch returned.
	early *outcome
}

// Tracker owns every command record. All mutations happen under one mutex;
// notifications and journal appends are issued while it is held so
// subscribers observe transitions in order.
type Tracker struct {
	dispatcher Dispatcher
	notifier   Notifier
	journal    Journal
	catalog    *Catalog
	ackTimeout time.Duration
	retention  int
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // issue order, oldest first
	terminal int
}

// NewTracker constructs a Tracker.
func NewTracker(opts Options) (*Tracker, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if opts.AckTimeout < 0 {
		return nil, errors.New("ack timeout must not be negative")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Tracker{
		dispatcher: opts.Dispatcher,
		notifier:   opts.Notifier,
		journal:    opts.Journal,
		catalog:    opts.Catalog,
		ackTimeout: opts.AckTimeout,
		retention:  opts.Retention,
		log:        opts.Logger.With().Str("component", "commands").Logger(),
		now:        opts.Now,
		newID:      opts.NewID,
		entries:    make(map[string]*entry),
	}, nil
}

// Catalog returns the enforced catalog, or nil.
func (t *Tracker) Catalog() *Catalog {
	return t.catalog
}

// Issue creates a command, dispatches it and returns its state once the
// gateway has answered. A dispatch failure is not an error here: the
// returned command is failed with the gateway's message.
func (t *Tracker) Issue(ctx context.Context, name string, payload json.RawMessage) (Command, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Command{}, fmt.Errorf("%w: name is required", ErrInvalidCommand)
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return Command{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCommand)
	}

	timeout := t.ackTimeout
	if t.catalog != nil {
		spec, ok := t.catalog.Lookup(name)
		if !ok {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
		}
		if err := spec.ValidatePayload(payload); err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if timeout > 0 && spec.TimeoutMs > 0 {
			timeout = spec.Timeout()
		}
	}

	data := make(json.RawMessage, len(payload))
	copy(data, payload)

	ctx, span := otel.Tracer("forgehub/commands").Start(ctx, "commands.issue")
	defer span.End()

	id := t.newID()
	span.SetAttributes(attribute.String("command.id", id), attribute.String("command.name", name))

	t.mu.Lock()
	e := &entry{
		cmd: Command{
			ID:        id,
			Name:      name,
			Payload:   data,
			CreatedAt: t.now(),
			Status:    StatusPending,
		},
		timeout: timeout,
	}
	t.entries[id] = e
	t.order = append(t.order, id)
	metrics.CommandsInFlight.Inc()
	t.record(e, StatusPending)
	t.mu.Unlock()

	log := t.log.With().Str("cmd_id", id).Str("command", name).Logger()
	log.Info().Ctx(ctx).Msg("dispatching command")

	err := t.dispatcher.Dispatch(ctx, Request{ID: id, Name: name, Payload: data})

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Ctx(ctx).Err(err).Msg("dispatch failed")
		e.early = nil
		t.finish(e, StatusFailed, err.Error())
		return e.cmd.clone(), nil
	}

	sentAt := t.now()
	e.cmd.SentAt = &sentAt
	e.cmd.Status = StatusSent
	t.record(e, StatusSent)
	t.broadcast(EventSent, lifecycleEvent{ID: id})

	if early := e.early; early != nil {
		e.early = nil
		log.Debug().Str("status", string(early.status)).Msg("applying early acknowledgement")
		t.finish(e, early.status, early.err)
	} else if e.timeout > 0 {
		e.timer = time.AfterFunc(e.timeout, func() {
			t.Resolve(id, StatusTimeout, fmt.Sprintf("no acknowledgement within %s", e.timeout))
		})
	}

	return e.cmd.clone(), nil
}

// Resolve applies a terminal outcome reported for id. It returns false when
// the event was discarded: the id is unknown, the command already reached a
// terminal state, or the outcome is not terminal. The first terminal
// transition wins.
func (t *Tracker) Resolve(id string, status Status, errMsg string) bool {
	if !status.Terminal() {
		t.log.Warn().Str("cmd_id", id).Str("status", string(status)).Msg("ignoring non-terminal acknowledgement")
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		t.log.Warn().Str("cmd_id", id).Str("status", string(status)).Msg("acknowledgement for unknown command")
		return false
	}

	switch {
	case e.cmd.Status.Terminal():
		t.log.Debug().Str("cmd_id", id).
			Str("status", string(status)).
			Str("current", string(e.cmd.Status)).
			Msg("acknowledgement for finished command ignored")
		return false
	case e.cmd.Status == StatusPending:
		if e.early != nil {
			return false
		}
		e.early = &outcome{status: status, err: errMsg}
		return true
	}

	t.finish(e, status, errMsg)
	return true
}

// Get returns a snapshot of the command with id.
func (t *Tracker) Get(id string) (Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Command{}, false
	}
	return e.cmd.clone(), true
}

// List returns up to limit commands, newest first.
func (t *Tracker) List(limit int) []Command {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Command, 0, min(limit, len(t.order)))
	for i := len(t.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.entries[t.order[i]].cmd.clone())
	}
	return out
}

// Close stops pending ack timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

// finish moves e to a terminal state. Callers hold t.mu.
func (t *Tracker) finish(e *entry, status Status, errMsg string) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	switch status {
	case StatusAcked:
		ackAt := t.now()
		e.cmd.AckAt = &ackAt
	case StatusFailed:
		if errMsg == "" {
			errMsg = "failed"
		}
		e.cmd.Error = errMsg
	case StatusTimeout:
		e.cmd.Error = errMsg
	}
	e.cmd.Status = status

	metrics.CommandsInFlight.Dec()
	t.terminal++
	t.record(e, status)

	switch status {
	case StatusAcked:
		t.broadcast(EventAck, lifecycleEvent{ID: e.cmd.ID})
	case StatusTimeout:
		t.broadcast(EventTimeout, lifecycleEvent{ID: e.cmd.ID})
	case StatusFailed:
		t.broadcast(EventFailed, failedEvent{ID: e.cmd.ID, Error: e.cmd.Error})
	}

	t.log.Info().
		Str("cmd_id", e.cmd.ID).
		Str("command", e.cmd.Name).
		Str("status", string(status)).
		Msg("command finished")

	t.evict()
}

// evict drops the oldest terminal commands beyond the retention limit.
// In-flight commands are never evicted. Callers hold t.mu.
func (t *Tracker) evict() {
	if t.terminal <= t.retention {
		return
	}

	kept := t.order[:0]
	for _, id := range t.order {
		e := t.entries[id]
		if t.terminal > t.retention && e.cmd.Status.Terminal() {
			delete(t.entries, id)
			t.terminal--
			continue
		}
		kept = append(kept, id)
	}
	clear(t.order[len(kept):])
	t.order = kept
}

func (t *Tracker) record(e *entry, status Status) {
	metrics.CommandTransitions.WithLabelValues(string(status)).Inc()
	if t.journal == nil {
		return
	}
	t.journal.Append(Transition{
		CommandID: e.cmd.ID,
		Name:      e.cmd.Name,
		Status:    status,
		Payload:   e.cmd.Payload,
		Error:     e.cmd.Error,
		At:        t.now(),
	})
}

func (t *Tracker) broadcast(event string, data any) {
	if t.notifier != nil {
		t.notifier.Broadcast(event, data)
	}
}

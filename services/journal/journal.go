// Package journal appends command lifecycle transitions to Postgres. It is
// an audit trail only and is never replayed into the tracker.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"forgehub/pkg/db"
	"forgehub/pkg/db/migrations"
	"forgehub/services/commands"
)

// DefaultBuffer is how many transitions may wait for the writer.
const DefaultBuffer = 1024

// Event is a journal row.
type Event struct {
	ID      int64           `json:"id" db:"id"`
	CmdID   string          `json:"cmd_id" db:"cmd_id"`
	Name    string          `json:"name" db:"name"`
	Status  string          `json:"status" db:"status"`
	Payload json.RawMessage `json:"payload" db:"payload"`
	Error   string          `json:"error,omitempty" db:"error"`
	At      time.Time       `json:"at" db:"at"`
}

// Writer persists transitions from a buffered queue on its own goroutine so
// callers never wait on the database.
type Writer struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
	log  zerolog.Logger

	queue   chan commands.Transition
	dropped atomic.Uint64
	insert  func(ctx context.Context, row *migrations.CommandEvent) error

	// mu orders Append against Stop so nothing is queued after the final drain.
	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc

	startOnce sync.Once
	done      chan struct{}
}

// NewWriter builds a writer over pool and orm.
func NewWriter(pool *pgxpool.Pool, orm *gorm.DB, buffer int, logger zerolog.Logger) (*Writer, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return newWriter(pool, orm, buffer, logger), nil
}

func newWriter(pool *pgxpool.Pool, orm *gorm.DB, buffer int, logger zerolog.Logger) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &Writer{
		pool:  pool,
		orm:   orm,
		log:   logger.With().Str("component", "journal").Logger(),
		queue: make(chan commands.Transition, buffer),
		done:  make(chan struct{}),
	}
	w.insert = func(ctx context.Context, row *migrations.CommandEvent) error {
		return w.orm.WithContext(ctx).Create(row).Error
	}
	return w
}

// Append queues tr. When the queue is full or the writer was stopped the
// transition is dropped and logged.
func (w *Writer) Append(tr commands.Transition) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		n := w.dropped.Add(1)
		w.log.Warn().
			Str("cmd_id", tr.CommandID).
			Str("status", string(tr.Status)).
			Uint64("dropped", n).
			Msg("journal stopped, transition dropped")
		return
	}

	select {
	case w.queue <- tr:
	default:
		n := w.dropped.Add(1)
		w.log.Warn().
			Str("cmd_id", tr.CommandID).
			Str("status", string(tr.Status)).
			Uint64("dropped", n).
			Msg("journal queue full, transition dropped")
	}
}

// Dropped reports how many transitions were discarded.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Start runs the writer until ctx is cancelled or Stop is called. Queued
// transitions are flushed before Done is closed.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancel = cancel
		w.mu.Unlock()
		go w.run(ctx)
	})
}

// Stop rejects further transitions, flushes the queue and waits for the
// writer to finish or ctx to end.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the writer has stopped.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case tr := <-w.queue:
			w.write(context.WithoutCancel(ctx), tr)
		case <-ctx.Done():
			for {
				select {
				case tr := <-w.queue:
					w.write(context.WithoutCancel(ctx), tr)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(ctx context.Context, tr commands.Transition) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	row := migrations.CommandEvent{
		CmdID:   tr.CommandID,
		Name:    tr.Name,
		Status:  string(tr.Status),
		Payload: datatypes.JSON(tr.Payload),
		Error:   tr.Error,
		At:      tr.At.UTC(),
	}
	if err := w.insert(ctx, &row); err != nil {
		w.log.Error().Err(err).Str("cmd_id", tr.CommandID).Msg("journal write failed")
	}
}

// Events returns the journaled transitions for cmdID, oldest first.
func (w *Writer) Events(ctx context.Context, cmdID string) ([]Event, error) {
	events := []Event{}
	err := db.Select(ctx, w.pool, &events,
		`SELECT id, cmd_id, name, status, payload, error, at
		   FROM command_events
		  WHERE cmd_id = $1
		  ORDER BY at ASC, id ASC`, cmdID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

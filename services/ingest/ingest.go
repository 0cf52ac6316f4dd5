// Package ingest routes inbound bus messages to the telemetry store and
// the command tracker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"forgehub/pkg/bus"
	"forgehub/pkg/metrics"
	"forgehub/services/commands"
)

var (
	// ErrDecode marks payloads that are not valid JSON.
	ErrDecode = errors.New("decode error")
	// ErrUnroutableTopic marks topics outside the known shapes.
	ErrUnroutableTopic = errors.New("unroutable topic")
)

// Store accepts telemetry updates.
type Store interface {
	Update(machineID string, payload json.RawMessage) error
}

// Resolver applies command acknowledgements.
type Resolver interface {
	Resolve(id string, status commands.Status, errMsg string) bool
}

type ackMessage struct {
	CmdID  string `json:"cmd_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Ingestor applies bus messages. Every failure is contained to the message
// that caused it.
type Ingestor struct {
	bus         bus.Client
	store       Store
	resolver    Resolver
	deadLetters *DeadLetters
	log         zerolog.Logger
	now         func() time.Time
}

// NewIngestor constructs an Ingestor. The bus may be nil when messages are
// fed through Handle directly.
func NewIngestor(client bus.Client, store Store, resolver Resolver, deadLetters *DeadLetters, logger zerolog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if deadLetters == nil {
		deadLetters = NewDeadLetters(DefaultDeadLetterCapacity)
	}

	return &Ingestor{
		bus:         client,
		store:       store,
		resolver:    resolver,
		deadLetters: deadLetters,
		log:         logger.With().Str("component", "ingest").Logger(),
		now:         time.Now,
	}, nil
}

// DeadLetters exposes the dead-letter bucket.
func (i *Ingestor) DeadLetters() *DeadLetters {
	return i.deadLetters
}

// Start subscribes to every known topic shape. Subscriptions end when ctx
// is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if i.bus == nil {
		return errors.New("bus is required")
	}

	return i.bus.Subscribe(ctx, Patterns(), func(msgCtx context.Context, msg bus.Message) {
		if err := i.Handle(msgCtx, msg); err != nil {
			i.log.Warn().Err(err).Str("topic", msg.Topic).Msg("message dropped")
		}
	})
}

// Handle decodes and routes one message. Decode and routing failures land
// in the dead-letter bucket and are returned for logging.
func (i *Ingestor) Handle(_ context.Context, msg bus.Message) error {
	received := msg.Received
	if received.IsZero() {
		received = i.now()
	}

	if !json.Valid(msg.Payload) {
		metrics.DecodeErrors.Inc()
		i.deadLetter(msg, received, "decode error")
		return fmt.Errorf("%w: payload on %s", ErrDecode, msg.Topic)
	}

	route, ok := MatchTopic(msg.Topic)
	if !ok {
		metrics.UnroutableTopics.Inc()
		i.deadLetter(msg, received, "unroutable topic")
		return fmt.Errorf("%w: %s", ErrUnroutableTopic, msg.Topic)
	}

	metrics.BusMessages.WithLabelValues(route.Kind.String()).Inc()

	switch route.Kind {
	case KindTelemetry, KindStatus:
		return i.store.Update(route.MachineID, msg.Payload)
	case KindAck:
		return i.handleAck(route, msg, received)
	case KindAudit:
		i.log.Info().RawJSON("event", msg.Payload).Msg("rule audit")
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnroutableTopic, msg.Topic)
	}
}

func (i *Ingestor) handleAck(route Route, msg bus.Message, received time.Time) error {
	var ack ackMessage
	if err := json.Unmarshal(msg.Payload, &ack); err != nil || ack.CmdID == "" {
		i.deadLetter(msg, received, "malformed acknowledgement")
		return fmt.Errorf("%w: acknowledgement without cmd_id from %s", ErrDecode, route.MachineID)
	}

	status, err := commands.ParseOutcome(ack.Status)
	if err != nil {
		i.deadLetter(msg, received, err.Error())
		return err
	}

	i.resolver.Resolve(ack.CmdID, status, ack.Error)
	return nil
}

func (i *Ingestor) deadLetter(msg bus.Message, received time.Time, reason string) {
	i.deadLetters.add(DeadLetter{
		Topic:      msg.Topic,
		Payload:    string(msg.Payload),
		Reason:     reason,
		ReceivedAt: received,
	})
}

package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSClient carries bus traffic over core NATS. Topics are mapped to
// subjects with SubjectFromTopic so callers keep using slash topics.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// NewNATS connects to url. The connection retries forever with exponential
// backoff and nats.go restores subscriptions after each reconnect.
func NewNATS(url string, opts Options) (*NATSClient, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With().Str("component", "bus").Str("transport", KindNATS).Logger()

	nc, err := nats.Connect(url,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return Backoff(attempts, opts.ReconnectMin, opts.ReconnectMax)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("bus connected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("bus async error")
		}),
	)
	if err != nil {
		return nil, err
	}

	return &NATSClient{conn: nc, log: logger}, nil
}

// Subscribe creates one subscription per pattern.
func (c *NATSClient) Subscribe(ctx context.Context, patterns []string, fn Handler) error {
	if c == nil {
		return errors.New("nil bus")
	}
	if fn == nil {
		return errors.New("nil handler")
	}

	for _, pattern := range patterns {
		sub, err := c.conn.Subscribe(SubjectFromTopic(pattern), func(msg *nats.Msg) {
			fn(ctx, Message{
				Topic:    TopicFromSubject(msg.Subject),
				Payload:  msg.Data,
				Received: time.Now(),
			})
		})
		if err != nil {
			c.unsubscribeAll()
			return err
		}
		c.subsMu.Lock()
		c.subs = append(c.subs, sub)
		c.subsMu.Unlock()
		c.log.Info().Str("pattern", pattern).Msg("subscribed")
	}

	go func() {
		<-ctx.Done()
		c.unsubscribeAll()
	}()

	return nil
}

// Publish encodes v as JSON and publishes it to topic.
func (c *NATSClient) Publish(ctx context.Context, topic string, v any) error {
	if c == nil {
		return errors.New("nil bus")
	}
	if !c.conn.IsConnected() {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encode(v)
	if err != nil {
		return err
	}
	return c.conn.Publish(SubjectFromTopic(topic), data)
}

func (c *NATSClient) Connected() bool {
	return c != nil && c.conn.IsConnected()
}

// Close drains the connection, falling back to a hard close.
func (c *NATSClient) Close() error {
	if c == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *NATSClient) unsubscribeAll() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
}

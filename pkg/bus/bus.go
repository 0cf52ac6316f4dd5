package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	KindMQTT = "mqtt"
	KindNATS = "nats"
)

// ErrDisconnected is returned by Publish when the transport has no live
// connection. Messages are never queued for later delivery.
var ErrDisconnected = errors.New("bus: not connected")

// Message is a single inbound delivery. Topic is always in slash form
// (devices/m1/telemetry) regardless of the transport.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Handler is invoked once per inbound message, in delivery order for a
// given topic. Handlers run on the transport's delivery goroutine and must
// not block on it: calling Publish from a handler can deadlock the MQTT
// transport, so hand replies to another goroutine.
type Handler func(ctx context.Context, msg Message)

// Client is the transport-neutral bus connection.
type Client interface {
	// Subscribe registers fn for every pattern. Patterns use MQTT wildcard
	// syntax (+ for one level, # for the remainder). Subscriptions are
	// re-established on every reconnect and torn down when ctx is done.
	Subscribe(ctx context.Context, patterns []string, fn Handler) error
	// Publish JSON-encodes v and sends it to topic without queueing.
	Publish(ctx context.Context, topic string, v any) error
	Connected() bool
	Close() error
}

// Options configures either transport.
type Options struct {
	ClientName   string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = "forgehub"
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
		if o.ReconnectMax < o.ReconnectMin {
			o.ReconnectMax = o.ReconnectMin
		}
	}
	return o
}

// Open connects to the bus named by kind. The returned client may not be
// connected yet; both transports keep retrying in the background.
func Open(kind, url string, opts Options) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMQTT, "":
		return NewMQTT(url, opts)
	case KindNATS:
		return NewNATS(url, opts)
	default:
		return nil, fmt.Errorf("bus: unsupported kind %q", kind)
	}
}

// Backoff returns the delay before reconnect attempt n (1-based): min
// doubled per attempt and capped at max.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// encode passes raw JSON and byte payloads through untouched and marshals
// everything else.
func encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(v)
	}
}

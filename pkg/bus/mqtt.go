package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	mqttQoS          = 1
	mqttDisconnectMs = 250
)

// mqttConnectTimeout bounds how long NewMQTT waits for the first connection.
var mqttConnectTimeout = 5 * time.Second

// MQTTClient carries bus traffic over an MQTT broker.
type MQTTClient struct {
	client mqtt.Client
	log    zerolog.Logger

	mu       sync.Mutex
	patterns map[string]Handler
	ctx      context.Context
}

// NewMQTT builds a client for broker and starts connecting in the
// background. The client reconnects forever and restores every
// subscription on each successful connect.
func NewMQTT(broker string, opts Options) (*MQTTClient, error) {
	opts = opts.withDefaults()
	c := &MQTTClient{
		log:      opts.Logger.With().Str("component", "bus").Str("transport", KindMQTT).Logger(),
		patterns: make(map[string]Handler),
		ctx:      context.Background(),
	}

	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientName).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.ReconnectMin).
		SetMaxReconnectInterval(opts.ReconnectMax).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn().Err(err).Msg("bus disconnected")
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			c.log.Info().Msg("bus reconnecting")
		})

	c.client = mqtt.NewClient(co)

	// With ConnectRetry set the token only completes once connected, so do
	// not block startup on it.
	token := c.client.Connect()
	if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
		return nil, token.Error()
	}
	return c, nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.log.Info().Msg("bus connected")

	c.mu.Lock()
	handlers := make(map[string]Handler, len(c.patterns))
	for p, h := range c.patterns {
		handlers[p] = h
	}
	ctx := c.ctx
	c.mu.Unlock()

	for p, h := range handlers {
		c.subscribe(ctx, client, p, h)
	}
}

func (c *MQTTClient) subscribe(ctx context.Context, client mqtt.Client, pattern string, fn Handler) {
	token := client.Subscribe(pattern, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		fn(ctx, Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Received: time.Now(),
		})
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("pattern", pattern).Msg("subscribe failed")
			return
		}
		c.log.Info().Str("pattern", pattern).Msg("subscribed")
	}()
}

// Subscribe records the patterns so they survive reconnects and subscribes
// immediately when a connection is already up.
func (c *MQTTClient) Subscribe(ctx context.Context, patterns []string, fn Handler) error {
	if c == nil {
		return errors.New("nil bus")
	}
	if fn == nil {
		return errors.New("nil handler")
	}

	c.mu.Lock()
	c.ctx = ctx
	for _, p := range patterns {
		c.patterns[p] = fn
	}
	c.mu.Unlock()

	if c.client.IsConnectionOpen() {
		for _, p := range patterns {
			c.subscribe(ctx, c.client, p, fn)
		}
	}

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		for _, p := range patterns {
			delete(c.patterns, p)
		}
		c.mu.Unlock()
		if c.client.IsConnectionOpen() {
			c.client.Unsubscribe(patterns...)
		}
	}()
	return nil
}

// Publish encodes v and publishes it at QoS 1. It fails fast with
// ErrDisconnected instead of letting paho buffer the message.
func (c *MQTTClient) Publish(ctx context.Context, topic string, v any) error {
	if c == nil {
		return errors.New("nil bus")
	}
	if !c.client.IsConnectionOpen() {
		return ErrDisconnected
	}

	data, err := encode(v)
	if err != nil {
		return err
	}

	token := c.client.Publish(topic, mqttQoS, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTClient) Connected() bool {
	return c != nil && c.client.IsConnectionOpen()
}

func (c *MQTTClient) Close() error {
	if c == nil {
		return nil
	}
	c.client.Disconnect(mqttDisconnectMs)
	return nil
}

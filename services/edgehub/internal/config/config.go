package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the edge hub service.
type Config struct {
	Addr string `env:"ADDR,default=:3001"`

	BusKind         string        `env:"BUS_KIND,default=mqtt"`
	MQTTBroker      string        `env:"MQTT_BROKER,default=tcp://127.0.0.1:1883"`
	MQTTClientID    string        `env:"MQTT_CLIENT_ID,default=forgehub"`
	NATSURL         string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	BusReconnectMin time.Duration `env:"BUS_RECONNECT_MIN,default=1s"`
	BusReconnectMax time.Duration `env:"BUS_RECONNECT_MAX,default=30s"`

	DispatchKind    string        `env:"DISPATCH_KIND,default=http"`
	DispatchURL     string        `env:"DISPATCH_URL,default=http://localhost:8000/commands/dispatch"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT,default=5s"`

	HistorySize       int           `env:"HISTORY_SIZE,default=50"`
	SubscriberQueue   int           `env:"SUBSCRIBER_QUEUE,default=256"`
	CommandAckTimeout time.Duration `env:"COMMAND_ACK_TIMEOUT,default=0s"`
	CommandCatalog    string        `env:"COMMAND_CATALOG"`
	CommandRetention  int           `env:"COMMAND_RETENTION,default=1000"`
	CommandRateLimit  int           `env:"COMMAND_RATE_LIMIT,default=120"`

	DBDSN          string   `env:"DB_DSN"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	LogFormat      string   `env:"LOG_FORMAT,default=json"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// BusURL returns the broker address for the selected bus kind.
func (c Config) BusURL() string {
	if c.BusKind == "nats" {
		return c.NATSURL
	}
	return c.MQTTBroker
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	c.BusKind = strings.ToLower(strings.TrimSpace(c.BusKind))
	c.DispatchKind = strings.ToLower(strings.TrimSpace(c.DispatchKind))

	var errs []error
	switch c.BusKind {
	case "mqtt", "nats":
	default:
		errs = append(errs, fmt.Errorf("invalid BUS_KIND %q: want mqtt or nats", c.BusKind))
	}
	switch c.DispatchKind {
	case "http":
		if strings.TrimSpace(c.DispatchURL) == "" {
			errs = append(errs, errors.New("DISPATCH_URL is required when DISPATCH_KIND=http"))
		}
	case "bus":
	default:
		errs = append(errs, fmt.Errorf("invalid DISPATCH_KIND %q: want http or bus", c.DispatchKind))
	}
	if c.BusReconnectMin <= 0 || c.BusReconnectMax < c.BusReconnectMin {
		errs = append(errs, fmt.Errorf("invalid bus reconnect window %s..%s", c.BusReconnectMin, c.BusReconnectMax))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("invalid HISTORY_SIZE %d", c.HistorySize))
	}
	if c.SubscriberQueue <= 0 {
		errs = append(errs, fmt.Errorf("invalid SUBSCRIBER_QUEUE %d", c.SubscriberQueue))
	}
	if c.CommandAckTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid COMMAND_ACK_TIMEOUT %s", c.CommandAckTimeout))
	}
	if c.CommandRetention <= 0 {
		errs = append(errs, fmt.Errorf("invalid COMMAND_RETENTION %d", c.CommandRetention))
	}
	if c.CommandRateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid COMMAND_RATE_LIMIT %d", c.CommandRateLimit))
	}
	return errors.Join(errs...)
}

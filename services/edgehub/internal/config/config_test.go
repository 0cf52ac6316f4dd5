package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Addr != ":3001" || cfg.BusKind != "mqtt" || cfg.HistorySize != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CommandAckTimeout != 0 {
		t.Fatalf("ack timeout = %s, want disabled", cfg.CommandAckTimeout)
	}
	if cfg.BusReconnectMin != time.Second || cfg.BusReconnectMax != 30*time.Second {
		t.Fatalf("reconnect window = %s..%s", cfg.BusReconnectMin, cfg.BusReconnectMax)
	}
	if cfg.BusURL() != "tcp://127.0.0.1:1883" {
		t.Fatalf("BusURL() = %s", cfg.BusURL())
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg Config)
		wantErr bool
	}{
		{
			name: "nats bus",
			env:  map[string]string{"BUS_KIND": "NATS", "NATS_URL": "nats://bus:4222"},
			check: func(t *testing.T, cfg Config) {
				if cfg.BusURL() != "nats://bus:4222" {
					t.Fatalf("BusURL() = %s", cfg.BusURL())
				}
			},
		},
		{
			name: "ack timeout and origins",
			env:  map[string]string{"COMMAND_ACK_TIMEOUT": "2s", "CORS_ALLOWED_ORIGINS": "http://a,http://b"},
			check: func(t *testing.T, cfg Config) {
				if cfg.CommandAckTimeout != 2*time.Second || len(cfg.AllowedOrigins) != 2 {
					t.Fatalf("cfg = %+v", cfg)
				}
			},
		},
		{name: "unknown bus", env: map[string]string{"BUS_KIND": "kafka"}, wantErr: true},
		{name: "unknown dispatch", env: map[string]string{"DISPATCH_KIND": "grpc"}, wantErr: true},
		{name: "http dispatch without url", env: map[string]string{"DISPATCH_URL": " "}, wantErr: true},
		{name: "zero history", env: map[string]string{"HISTORY_SIZE": "0"}, wantErr: true},
		{name: "inverted reconnect window", env: map[string]string{"BUS_RECONNECT_MIN": "10s", "BUS_RECONNECT_MAX": "1s"}, wantErr: true},
		{name: "negative timeout", env: map[string]string{"COMMAND_ACK_TIMEOUT": "-1s"}, wantErr: true},
		{name: "bad duration", env: map[string]string{"DISPATCH_TIMEOUT": "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

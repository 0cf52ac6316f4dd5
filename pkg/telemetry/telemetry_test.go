package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: Options{}},
		{name: "console", opts: Options{Format: "console"}},
		{name: "debug level", opts: Options{Level: "DEBUG"}},
		{name: "bad format", opts: Options{Format: "xml"}, wantErr: true},
		{name: "bad level", opts: Options{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Out = &buf
			_, err := NewLogger("forgehub", tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("forgehub", Options{Out: &buf})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Info().Ctx(context.Background()).Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "forgehub" {
		t.Fatalf("service = %v, want forgehub", entry["service"])
	}
	if entry["message"] != "hello" {
		t.Fatalf("message = %v, want hello", entry["message"])
	}
	if _, ok := entry["trace_id"]; ok {
		t.Fatalf("trace_id set without an active span: %v", entry)
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("forgehub", Options{Out: &buf})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	handler := Middleware("forgehub", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	line := buf.String()
	if !strings.Contains(line, `"path":"/healthz"`) || !strings.Contains(line, `"status":418`) {
		t.Fatalf("access log missing fields: %s", line)
	}
}

func TestInitWithoutEndpoint(t *testing.T) {
	var buf bytes.Buffer
	shutdown, middleware, _, err := Init(context.Background(), "forgehub", Options{Out: &buf})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if middleware == nil {
		t.Fatal("Init() returned nil middleware")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	if _, _, _, err := Init(context.Background(), "", Options{}); err == nil {
		t.Fatal("Init() expected error for empty service name")
	}
}

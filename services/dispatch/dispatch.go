// Package dispatch forwards issued commands to the edge execution service.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forgehub/pkg/bus"
	"forgehub/pkg/metrics"
	"forgehub/services/commands"
)

const (
	KindHTTP = "http"
	KindBus  = "bus"

	// CommandTopic is where bus dispatch publishes commands.
	CommandTopic = "edge/commands"

	maxErrorBody = 4 << 10

	// busPublishTimeout bounds a bus dispatch whose caller has no deadline.
	busPublishTimeout = 5 * time.Second
)

// ErrRejected wraps every refusal by the execution service.
var ErrRejected = errors.New("dispatch rejected")

type httpRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	CmdID   string          `json:"cmd_id"`
}

type httpResponse struct {
	CmdID string `json:"cmd_id"`
}

// HTTPGateway posts commands to the edge gateway's dispatch endpoint.
type HTTPGateway struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPGateway builds a gateway for url with a per-request timeout.
func NewHTTPGateway(url string, timeout time.Duration, logger zerolog.Logger) (*HTTPGateway, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("dispatch url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGateway{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Dispatch sends req and succeeds on any 2xx answer. The edge service mints
// its own cmd_id for queued commands; a differing echo is only logged.
func (g *HTTPGateway) Dispatch(ctx context.Context, req commands.Request) (err error) {
	defer observe(KindHTTP, time.Now(), &err)

	body, err := json.Marshal(httpRequest{Name: req.Name, Payload: req.Payload, CmdID: req.ID})
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.Name, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, msg)
	}

	var echo httpResponse
	if len(data) > 0 && json.Unmarshal(data, &echo) == nil && echo.CmdID != "" && echo.CmdID != req.ID {
		g.log.Warn().
			Str("cmd_id", req.ID).
			Str("edge_cmd_id", echo.CmdID).
			Str("command", req.Name).
			Msg("edge accepted command under its own cmd_id")
	}
	return nil
}

// BusGateway publishes commands on the bus command topic.
type BusGateway struct {
	bus bus.Client
}

// NewBusGateway builds a gateway on client.
func NewBusGateway(client bus.Client) (*BusGateway, error) {
	if client == nil {
		return nil, errors.New("bus is required")
	}
	return &BusGateway{bus: client}, nil
}

// Dispatch publishes {cmd, cmd_id, ...payload}. Object payload fields are
// merged into the message; any other payload is sent under "payload".
func (g *BusGateway) Dispatch(ctx context.Context, req commands.Request) (err error) {
	defer observe(KindBus, time.Now(), &err)

	msg := map[string]any{}
	var fields map[string]any
	if err := json.Unmarshal(req.Payload, &fields); err == nil {
		for k, v := range fields {
			msg[k] = v
		}
	} else if len(req.Payload) > 0 {
		msg["payload"] = req.Payload
	}
	msg["cmd"] = req.Name
	msg["cmd_id"] = req.ID

	ctx, cancel := context.WithTimeout(ctx, busPublishTimeout)
	defer cancel()

	if err := g.bus.Publish(ctx, CommandTopic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", req.Name, err)
	}
	return nil
}

func observe(gateway string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	metrics.DispatchDuration.WithLabelValues(gateway, outcome).Observe(time.Since(start).Seconds())
}

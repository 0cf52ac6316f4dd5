package forgectl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forgehub/services/commands"
	"forgehub/services/hub"
	"forgehub/services/machinestate"
)

// DefaultTimeout bounds every request the client makes except Watch.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the edge hub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("edge hub returned %d", e.StatusCode)
	}
	return fmt.Sprintf("edge hub returned %d: %s", e.StatusCode, e.Message)
}

// SendResult is the edge hub's answer to a command submission.
type SendResult struct {
	CmdID  string          `json:"cmd_id"`
	Status commands.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// CatalogListing is the /catalog response.
type CatalogListing struct {
	Enforced bool            `json:"enforced"`
	Commands []commands.Spec `json:"commands"`
}

// Client talks to an edge hub's HTTP and WebSocket API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for the hub at baseURL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("hub url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: u,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Send issues a command and returns its correlation id.
func (c *Client) Send(ctx context.Context, name string, payload json.RawMessage) (SendResult, error) {
	body := map[string]any{"command": name}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	var out SendResult
	err := c.do(ctx, http.MethodPost, "/commands", nil, body, &out)
	return out, err
}

// Command fetches one command record.
func (c *Client) Command(ctx context.Context, id string) (commands.Command, error) {
	var out commands.Command
	err := c.do(ctx, http.MethodGet, "/commands/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Commands lists recent commands, newest first.
func (c *Client) Commands(ctx context.Context, limit int) ([]commands.Command, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []commands.Command
	err := c.do(ctx, http.MethodGet, "/commands", q, nil, &out)
	return out, err
}

// Ack posts a machine acknowledgement for id.
func (c *Client) Ack(ctx context.Context, id, status, errMsg string) error {
	body := map[string]string{"cmd_id": id, "status": status}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.do(ctx, http.MethodPost, "/command-acks", nil, body, nil)
}

// Status returns the liveness projection for a machine.
func (c *Client) Status(ctx context.Context, machineID string) (machinestate.Status, error) {
	var out machinestate.Status
	err := c.do(ctx, http.MethodGet, "/machine/"+url.PathEscape(machineID)+"/status", nil, nil, &out)
	return out, err
}

// History returns a machine's retained telemetry, oldest first.
func (c *Client) History(ctx context.Context, machineID string) ([]machinestate.Sample, error) {
	var out []machinestate.Sample
	err := c.do(ctx, http.MethodGet, "/machine/"+url.PathEscape(machineID)+"/history", nil, nil, &out)
	return out, err
}

// Catalog returns the hub's command catalog.
func (c *Client) Catalog(ctx context.Context) (CatalogListing, error) {
	var out CatalogListing
	err := c.do(ctx, http.MethodGet, "/catalog", nil, nil, &out)
	return out, err
}

// Watch streams pushed frames to fn until ctx is done, the connection
// drops, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(hub.Frame) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var frame hub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"forgehub/services/commands"
	"forgehub/services/hub"
	"forgehub/services/ingest"
	"forgehub/services/journal"
	"forgehub/services/machinestate"
)

type stubDispatcher struct {
	err error
}

func (d stubDispatcher) Dispatch(context.Context, commands.Request) error { return d.err }

// gatedDispatcher blocks until release is closed or its context ends.
type gatedDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (d gatedDispatcher) Dispatch(ctx context.Context, _ commands.Request) error {
	close(d.started)
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type stubJournal struct {
	events []journal.Event
}

func (j stubJournal) Events(_ context.Context, cmdID string) ([]journal.Event, error) {
	out := []journal.Event{}
	for _, e := range j.events {
		if e.CmdID == cmdID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fixture struct {
	handler http.Handler
	tracker *commands.Tracker
	store   *machinestate.Store
}

func newFixture(t *testing.T, mutate func(*Options, *commands.Options)) fixture {
	t.Helper()

	h := hub.New(16, zerolog.Nop())
	store, err := machinestate.NewStore(machinestate.Options{Notifier: h})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	trackerOpts := commands.Options{Dispatcher: stubDispatcher{}, Notifier: h, Logger: zerolog.Nop()}
	apiOpts := Options{Store: store, Hub: h, DeadLetters: ingest.NewDeadLetters(10), Logger: zerolog.Nop()}
	if mutate != nil {
		mutate(&apiOpts, &trackerOpts)
	}

	tracker, err := commands.NewTracker(trackerOpts)
	if err != nil {
		t.Fatalf("NewTracker() error = %v", err)
	}
	t.Cleanup(tracker.Close)
	apiOpts.Tracker = tracker

	a, err := New(apiOpts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}
	return fixture{handler: handler, tracker: tracker, store: store}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestIssueCommand(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/commands", "/commands/send"} {
		t.Run(path, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, `{"command":"program.start","payload":{}}`)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			body := decodeBody[map[string]string](t, rec)
			if body["cmd_id"] == "" || body["status"] != "sent" {
				t.Fatalf("body = %v", body)
			}
			if _, ok := f.tracker.Get(body["cmd_id"]); !ok {
				t.Fatal("command not tracked")
			}
		})
	}
}

func TestIssueCommandRejected(t *testing.T) {
	f := newFixture(t, func(_ *Options, o *commands.Options) {
		o.Dispatcher = stubDispatcher{err: errors.New("gateway refused")}
	})

	rec := f.do(t, http.MethodPost, "/commands", `{"command":"system.emergency_stop","payload":{}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "failed" || body["error"] != "gateway refused" {
		t.Fatalf("body = %v", body)
	}
}

func TestIssueCommandValidation(t *testing.T) {
	catalog, err := commands.LoadCatalog(commands.BuiltinCatalog)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	f := newFixture(t, func(_ *Options, o *commands.Options) { o.Catalog = catalog })

	tests := []struct {
		name string
		body string
	}{
		{name: "missing command", body: `{"payload":{}}`},
		{name: "not json", body: `{`},
		{name: "unknown field", body: `{"command":"program.start","extra":1}`},
		{name: "not in catalog", body: `{"command":"launch.rocket"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/commands", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body.String())
			}
		})
	}
	if got := len(f.tracker.List(0)); got != 0 {
		t.Fatalf("%d commands created by rejected requests", got)
	}
}

func TestCommandAck(t *testing.T) {
	f := newFixture(t, nil)
	cmd, _ := f.tracker.Issue(context.Background(), "program.start", nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid status", body: `{"cmd_id":"` + cmd.ID + `","status":"done"}`, want: http.StatusBadRequest},
		{name: "missing id", body: `{"status":"acked"}`, want: http.StatusBadRequest},
		{name: "acked", body: `{"cmd_id":"` + cmd.ID + `","status":"acked","device":"m1"}`, want: http.StatusOK},
		{name: "duplicate", body: `{"cmd_id":"` + cmd.ID + `","status":"timeout"}`, want: http.StatusOK},
		{name: "unknown id", body: `{"cmd_id":"nope","status":"acked"}`, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/command-acks", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	got, _ := f.tracker.Get(cmd.ID)
	if got.Status != commands.StatusAcked {
		t.Fatalf("command status = %s, want acked", got.Status)
	}
}

func TestCommandQueries(t *testing.T) {
	f := newFixture(t, func(a *Options, _ *commands.Options) {
		a.Journal = stubJournal{events: []journal.Event{{ID: 1, CmdID: "x", Status: "pending", At: time.Now()}}}
	})
	first, _ := f.tracker.Issue(context.Background(), "program.load", json.RawMessage(`{"program_id":"p1"}`))
	_, _ = f.tracker.Issue(context.Background(), "program.start", nil)

	rec := f.do(t, http.MethodGet, "/commands?limit=1", "")
	list := decodeBody[[]commands.Command](t, rec)
	if len(list) != 1 || list[0].Name != "program.start" {
		t.Fatalf("list = %+v", list)
	}

	if rec := f.do(t, http.MethodGet, "/commands?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/commands/"+first.ID, "")
	got := decodeBody[commands.Command](t, rec)
	if got.ID != first.ID || string(got.Payload) != `{"program_id":"p1"}` {
		t.Fatalf("get = %+v", got)
	}

	if rec := f.do(t, http.MethodGet, "/commands/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing command status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/commands/x/events", "")
	if events := decodeBody[[]journal.Event](t, rec); len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestCommandEventsDisabled(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/commands/x/events", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCatalog(t *testing.T) {
	f := newFixture(t, nil)
	body := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/catalog", ""))
	if body["enforced"] != false {
		t.Fatalf("catalog = %v", body)
	}
}

func TestMachineQueries(t *testing.T) {
	f := newFixture(t, nil)

	for _, prefix := range []string{"/machine/m1", "/telemetry/m1"} {
		if got := strings.TrimSpace(f.do(t, http.MethodGet, prefix+"/latest", "").Body.String()); got != "null" {
			t.Fatalf("%s/latest before updates = %s", prefix, got)
		}
		status := decodeBody[machinestate.Status](t, f.do(t, http.MethodGet, prefix+"/status", ""))
		if status.Status != machinestate.Unknown {
			t.Fatalf("%s/status = %+v", prefix, status)
		}
	}

	if rec := f.do(t, http.MethodPost, "/telemetry/m1/ingest", `{"flow":3.7}`); rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/telemetry/m1/ingest", `{"flow":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed ingest status = %d", rec.Code)
	}

	if got := strings.TrimSpace(f.do(t, http.MethodGet, "/machine/m1/latest", "").Body.String()); got != `{"flow":3.7}` {
		t.Fatalf("latest = %s", got)
	}
	history := decodeBody[[]machinestate.Sample](t, f.do(t, http.MethodGet, "/telemetry/m1/history", ""))
	if len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
	status := decodeBody[machinestate.Status](t, f.do(t, http.MethodGet, "/machine/m1/status", ""))
	if status.Status != machinestate.Live {
		t.Fatalf("status = %+v", status)
	}
	machines := decodeBody[[]string](t, f.do(t, http.MethodGet, "/machines", ""))
	if len(machines) != 1 || machines[0] != "m1" {
		t.Fatalf("machines = %v", machines)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, func(a *Options, _ *commands.Options) {
		a.Ready = func(context.Context) error { return errors.New("bus not connected") }
	})

	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/deadletters", ""); rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("deadletters = %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() expected error without tracker")
	}
}

func TestIssueSurvivesClientDisconnect(t *testing.T) {
	d := gatedDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(_ *Options, o *commands.Options) { o.Dispatcher = d })

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(`{"command":"program.start"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		f.handler.ServeHTTP(rec, req)
		close(done)
	}()

	<-d.started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(d.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("issue did not return after dispatch was released")
	}

	list := f.tracker.List(1)
	if len(list) != 1 {
		t.Fatalf("List() = %+v, want one command", list)
	}
	if list[0].Status != commands.StatusSent || list[0].Error != "" {
		t.Fatalf("command = %+v, want sent after client disconnect", list[0])
	}
}

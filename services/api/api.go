// Package api exposes the telemetry and command HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"forgehub/services/commands"
	"forgehub/services/ingest"
	"forgehub/services/journal"
	"forgehub/services/machinestate"
)

// CommandTracker is the command lifecycle owner.
type CommandTracker interface {
	Issue(ctx context.Context, name string, payload json.RawMessage) (commands.Command, error)
	Resolve(id string, status commands.Status, errMsg string) bool
	Get(id string) (commands.Command, bool)
	List(limit int) []commands.Command
	Catalog() *commands.Catalog
}

// TelemetryStore is the live machine state.
type TelemetryStore interface {
	Update(machineID string, payload json.RawMessage) error
	Latest(machineID string) json.RawMessage
	History(machineID string) []machinestate.Sample
	Status(machineID string) machinestate.Status
	Machines() []string
}

// EventSource reads journaled command transitions.
type EventSource interface {
	Events(ctx context.Context, cmdID string) ([]journal.Event, error)
}

// Options wires the API's collaborators. Journal and Ready are optional.
type Options struct {
	Tracker     CommandTracker
	Store       TelemetryStore
	Hub         http.Handler
	DeadLetters *ingest.DeadLetters
	Journal     EventSource
	// Ready reports whether the service can take traffic.
	Ready func(ctx context.Context) error

	AllowedOrigins   []string
	CommandRateLimit int
	Logger           zerolog.Logger
}

// API holds the handlers' dependencies.
type API struct {
	tracker     CommandTracker
	store       TelemetryStore
	hub         http.Handler
	deadLetters *ingest.DeadLetters
	journal     EventSource
	ready       func(ctx context.Context) error

	allowedOrigins []string
	rateLimit      int
	log            zerolog.Logger
}

// New validates opts and builds an API.
func New(opts Options) (*API, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = ingest.NewDeadLetters(0)
	}
	if opts.Ready == nil {
		opts.Ready = func(context.Context) error { return nil }
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	return &API{
		tracker:        opts.Tracker,
		store:          opts.Store,
		hub:            opts.Hub,
		deadLetters:    opts.DeadLetters,
		journal:        opts.Journal,
		ready:          opts.Ready,
		allowedOrigins: opts.AllowedOrigins,
		rateLimit:      opts.CommandRateLimit,
		log:            opts.Logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/ws", a.hub)
	r.Get("/deadletters", a.handleDeadLetters)

	r.Group(func(r chi.Router) {
		if a.rateLimit > 0 {
			r.Use(httprate.LimitByIP(a.rateLimit, time.Minute))
		}
		r.Post("/commands", a.handleIssueCommand)
		r.Post("/commands/send", a.handleIssueCommand)
	})
	r.Post("/command-acks", a.handleCommandAck)
	r.Get("/commands", a.handleListCommands)
	r.Get("/commands/{id}", a.handleGetCommand)
	r.Get("/commands/{id}/events", a.handleCommandEvents)
	r.Get("/catalog", a.handleCatalog)

	machineRoutes := func(r chi.Router) {
		r.Get("/latest", a.handleLatest)
		r.Get("/history", a.handleHistory)
		r.Get("/status", a.handleStatus)
	}
	r.Get("/machines", a.handleMachines)
	r.Route("/machine/{id}", machineRoutes)
	r.Route("/telemetry/{id}", func(r chi.Router) {
		machineRoutes(r)
		r.Post("/ingest", a.handleIngest)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.ready(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *API) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.deadLetters.List())
}

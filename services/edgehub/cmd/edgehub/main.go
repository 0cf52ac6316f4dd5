package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"forgehub/pkg/bus"
	"forgehub/pkg/db"
	"forgehub/pkg/telemetry"
	"forgehub/services/api"
	"forgehub/services/commands"
	"forgehub/services/dispatch"
	"forgehub/services/edgehub/internal/config"
	"forgehub/services/hub"
	"forgehub/services/ingest"
	"forgehub/services/journal"
	"forgehub/services/machinestate"
)

func main() {
	if err := run("edgehub"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Format:   cfg.LogFormat,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	busClient, err := bus.Open(cfg.BusKind, cfg.BusURL(), bus.Options{
		ClientName:   cfg.MQTTClientID,
		ReconnectMin: cfg.BusReconnectMin,
		ReconnectMax: cfg.BusReconnectMax,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	closeBus := sync.OnceValue(busClient.Close)
	defer closeBus()

	pushHub := hub.New(cfg.SubscriberQueue, logger)
	defer pushHub.Close()

	store, err := machinestate.NewStore(machinestate.Options{
		HistorySize: cfg.HistorySize,
		Notifier:    pushHub,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create telemetry store: %w", err)
	}

	dispatcher, err := newDispatcher(cfg, busClient, logger)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	var catalog *commands.Catalog
	if cfg.CommandCatalog != "" {
		catalog, err = commands.LoadCatalog(cfg.CommandCatalog)
		if err != nil {
			return fmt.Errorf("load command catalog: %w", err)
		}
		logger.Info().Str("catalog", cfg.CommandCatalog).Int("commands", len(catalog.List())).Msg("command catalog loaded")
	}

	var (
		pool     *pgxpool.Pool
		recorder *journal.Writer
	)
	if cfg.DBDSN != "" {
		pool, recorder, err = openJournal(ctx, cfg.DBDSN, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		// The journal outlives the signal so transitions from draining
		// requests are still written; it is stopped after the server.
		recorder.Start(context.WithoutCancel(ctx))
		defer recorder.Stop(context.Background())
	}

	trackerOpts := commands.Options{
		Dispatcher: dispatcher,
		Notifier:   pushHub,
		Catalog:    catalog,
		AckTimeout: cfg.CommandAckTimeout,
		Retention:  cfg.CommandRetention,
		Logger:     logger,
	}
	if recorder != nil {
		trackerOpts.Journal = recorder
	}
	tracker, err := commands.NewTracker(trackerOpts)
	if err != nil {
		return fmt.Errorf("create command tracker: %w", err)
	}
	defer tracker.Close()

	ingestor, err := ingest.NewIngestor(busClient, store, tracker, ingest.NewDeadLetters(ingest.DefaultDeadLetterCapacity), logger)
	if err != nil {
		return fmt.Errorf("create ingestor: %w", err)
	}
	if err := ingestor.Start(ctx); err != nil {
		return fmt.Errorf("start ingestor: %w", err)
	}

	apiOpts := api.Options{
		Tracker:     tracker,
		Store:       store,
		Hub:         pushHub,
		DeadLetters: ingestor.DeadLetters(),
		Ready: func(ctx context.Context) error {
			if !busClient.Connected() {
				return bus.ErrDisconnected
			}
			if pool != nil {
				return db.Ping(ctx, pool)
			}
			return nil
		},
		AllowedOrigins:   cfg.AllowedOrigins,
		CommandRateLimit: cfg.CommandRateLimit,
		Logger:           logger,
	}
	if recorder != nil {
		apiOpts.Journal = recorder
	}
	handlers, err := api.New(apiOpts)
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	router, err := handlers.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("bus", cfg.BusKind).
			Str("dispatch", cfg.DispatchKind).
			Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pushHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http shutdown")
	}
	tracker.Close()
	if err := closeBus(); err != nil {
		logger.Warn().Err(err).Msg("bus close")
	}
	if recorder != nil {
		if err := recorder.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("journal did not flush before shutdown")
		}
		if n := recorder.Dropped(); n > 0 {
			logger.Warn().Uint64("dropped", n).Msg("journal transitions dropped")
		}
	}

	logger.Info().Msg("stopped")
	return nil
}

func newDispatcher(cfg config.Config, client bus.Client, logger zerolog.Logger) (commands.Dispatcher, error) {
	if cfg.DispatchKind == dispatch.KindBus {
		return dispatch.NewBusGateway(client)
	}
	return dispatch.NewHTTPGateway(cfg.DispatchURL, cfg.DispatchTimeout, logger)
}

func openJournal(ctx context.Context, dsn string, logger zerolog.Logger) (*pgxpool.Pool, *journal.Writer, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	results, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	for _, r := range results {
		logger.Info().Int64("version", r.Source.Version).Dur("took", r.Duration).Msg("migration applied")
	}

	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}

	writer, err := journal.NewWriter(pool, orm, journal.DefaultBuffer, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, writer, nil
}

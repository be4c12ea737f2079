// Fleet coordination server — event log, mailboxes, file reservations,
// scheduling, and checkpoint/resume for a fleet of AI pilots behind one
// HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flightline/fleet/pkg/api"
	"github.com/flightline/fleet/pkg/checkpoint"
	"github.com/flightline/fleet/pkg/cleanup"
	"github.com/flightline/fleet/pkg/config"
	"github.com/flightline/fleet/pkg/database"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/learning"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/metrics"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/orchestrator"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/reservation"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
	"github.com/flightline/fleet/pkg/version"
)

const (
	// streamWriteTimeout bounds a single websocket write.
	streamWriteTimeout = 10 * time.Second

	// httpDrainTimeout bounds the graceful HTTP shutdown.
	httpDrainTimeout = 10 * time.Second
)

func main() {
	envFile := flag.String("env-file",
		getEnv("FLEET_ENV_FILE", ".env"),
		"Path to an optional .env file")
	flag.Parse()

	// Load .env before config resolution; a missing file is not an error.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file loaded, using process environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	logger := slog.Default()

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	caps, err := config.LoadCapabilities(cfg.CapabilitiesPath)
	if err != nil {
		slog.Error("Failed to load capabilities registry", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting fleet coordinator",
		"version", version.Full(),
		"port", cfg.Port,
		"external_store", cfg.UseExternalStore())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 2. Store: open, self-test, migrate.
	dbClient, err := database.NewClient(ctx, database.FromAppConfig(cfg))
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	st := store.New(dbClient)
	slog.Info("Store ready", "dialect", dbClient.Dialect())

	// 3. Event log: schema registry, in-process notifier, websocket fanout.
	notifier := events.NewNotifier()
	eventService := events.NewService(st, events.NewRegistry(), notifier, logger)
	streams := events.NewStreamManager(eventService, streamWriteTimeout, logger)
	go streams.Run(ctx)

	// 4. Coordination services. The reservation manager doubles as the
	// registry's holdings interface so deregistration releases everything a
	// pilot held.
	mailboxService := mailbox.NewService(st, eventService, logger)
	reservations := reservation.NewManager(st, eventService,
		cfg.ReservationTTL, cfg.LockTTL, logger)
	pilotRegistry := registry.NewService(st, eventService, caps,
		reservations, cfg.HeartbeatTimeout, logger)
	schedulerService := scheduler.NewService(st, eventService, pilotRegistry,
		mailboxService, cfg.TaskRetryLimit, 0, logger)
	learningService := learning.NewService(st, eventService, logger)
	orchestratorService := orchestrator.NewService(st, eventService,
		schedulerService, learningService, logger)
	checkpointService := checkpoint.NewService(st, eventService, mailboxService,
		cfg.ReservationTTL, cfg.LockTTL, logger)
	slog.Info("Coordination services initialized")

	// 5. Metrics: event counters feed off the notifier, gauges off the store.
	m := metrics.New()
	m.ObserveEvents(ctx, notifier)
	poller := metrics.NewPoller(m, st, 0, logger)
	poller.Start(ctx)

	// 6. Background workers. The scheduler worker recovers orphaned work
	// orders before its first dispatch pass.
	sweeper := reservation.NewSweeper(reservations, 0)
	sweeper.Start(ctx)
	evictor := registry.NewEvictor(pilotRegistry, 0)
	evictor.Start(ctx)
	schedWorker := scheduler.NewWorker(schedulerService, 0)
	schedWorker.Start(ctx)
	reconciler := orchestrator.NewReconciler(orchestratorService, 0)
	reconciler.Start(ctx)
	monitor := checkpoint.NewMonitor(checkpointService, 0,
		cfg.InactivityThreshold, cfg.AutoResume)
	monitor.Start(ctx)
	observer := learning.NewObserver(learningService, 0)
	observer.Start(ctx)
	cleaner := cleanup.NewService(st, cleanup.Retention{}, logger)
	cleaner.Start(ctx)

	emitLifecycle(ctx, eventService, "coordinator_started")

	// 7. HTTP server; blocks until a signal arrives, then drains.
	server := api.NewServer(api.Deps{
		Config:       cfg,
		Store:        st,
		Events:       eventService,
		Mailbox:      mailboxService,
		Reservations: reservations,
		Registry:     pilotRegistry,
		Scheduler:    schedulerService,
		Orchestrator: orchestratorService,
		Checkpoints:  checkpointService,
		Learning:     learningService,
		Metrics:      m,
		Streams:      streams,
	}, logger)

	slog.Info("Fleet coordinator started", "port", cfg.Port)
	if err := server.Run(ctx, httpDrainTimeout); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	// 8. Graceful shutdown: announce it, then stop the workers. Their loops
	// already saw the cancelled context; Stop only waits for them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	emitLifecycle(shutdownCtx, eventService, "coordinator_stopping")

	cleaner.Stop()
	observer.Stop()
	monitor.Stop()
	reconciler.Stop()
	schedWorker.Stop()
	evictor.Stop()
	sweeper.Stop()
	poller.Stop()

	slog.Info("Shutdown complete")
}

// emitLifecycle records a coordinator lifecycle event on the system stream.
func emitLifecycle(ctx context.Context, ev *events.Service, eventType string) {
	_, err := ev.Append(ctx, events.AppendRequest{
		StreamType: models.StreamSystem,
		StreamID:   "fleet",
		EventType:  eventType,
		Data:       []byte(`{"version":"` + version.Full() + `"}`),
	})
	if err != nil {
		slog.Warn("Recording lifecycle event failed", "event_type", eventType, "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

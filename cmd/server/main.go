// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package main is the entry point for the Playlens server.
//
// Playlens observes upstream media servers, ingests their playback activity
// into PostgreSQL, geolocates it, and watches for account-sharing and
// account-takeover anomalies.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 load (defaults, config.yaml, env vars)
//  2. Database: pgx connection pool with schema bootstrap
//  3. Job queue: Postgres-backed queue store plus handler registry
//  4. Scheduler: cron schedules and per-server overrides
//  5. Ingestion: session poller, activity ingestor, geolocation pipeline
//  6. Event hub: SSE fan-out for job lifecycle and anomaly events
//  7. HTTP shell: chi router with health, status, trigger, and event routes
//  8. Supervisor: suture tree running the long-lived services
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (DATABASE_URL, PORT, SESSION_POLL_INTERVAL_MS, ...)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the supervisor
// tree stops its services, in-flight queue batches finish or time out, and
// the database pool closes last.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/playlens/playlens/internal/api"
	"github.com/playlens/playlens/internal/config"
	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/geoloc"
	"github.com/playlens/playlens/internal/jobs"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/poller"
	"github.com/playlens/playlens/internal/queue"
	"github.com/playlens/playlens/internal/scheduler"
	"github.com/playlens/playlens/internal/supervisor"
	"github.com/playlens/playlens/internal/ums"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("skip_startup_full_sync", cfg.Scheduler.SkipStartupFullSync).
		Msg("Starting Playlens")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	logging.Info().Msg("Database initialized")

	queueStore, err := queue.New(ctx, db.Pool())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize job queue")
	}

	// One factory serves the poller, the job handlers, and the security
	// sync: a retrying HTTP client wrapped in a per-server circuit breaker.
	// The cache keeps breaker and limiter state alive across ticks and
	// rebuilds a client when its server's URL or API key changes.
	clientCache := ums.NewClientCache(func(srv models.Server) ums.Client {
		inner := ums.NewHTTPClient(srv.URL, srv.APIKey, ums.Options{
			Timeout: cfg.Poller.ServerTimeout(),
			Retries: cfg.Poller.ServerRetries,
		})
		return ums.NewBreakerClient(srv.Name, inner)
	})
	clients := clientCache.Get

	hub := events.NewHub(cfg.Events.RingSize, cfg.Events.HeartbeatInterval)

	sched := scheduler.New(db, queueStore, cfg.Scheduler.SkipStartupFullSync)
	sessionPoller := poller.New(db, clients, sched.Policy(), cfg.Poller)
	ingestor := poller.NewActivityIngestor(db)

	resolver := geoloc.NewHTTPResolver(cfg.Geo.ProviderURL)
	pipeline := geoloc.New(db, resolver, hub, geoloc.Thresholds{
		MaxSpeedKmH:   cfg.Detection.MaxSpeedKmH,
		MinDistanceKm: cfg.Detection.MinDistanceKm,
	})
	securityJob := geoloc.NewSecuritySyncJob(db, ingestor, clients, pipeline, hub)

	registry := queue.NewRegistry()
	handlers := jobs.New(db, queueStore, ingestor, pipeline, securityJob, clients, hub)
	handlers.RegisterAll(registry)

	maintenance := scheduler.NewMaintenanceWorker(db, handlers)
	registry.Register(scheduler.QueueMaintenance, maintenance.Handler, queue.WorkOptions{BatchSize: 1})

	// Queue and schedule state must exist before the manager starts
	// fetching, so the scheduler runs its startup sequence inline.
	if err := sched.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	manager := queue.NewManager(queueStore, registry)

	router := api.NewRouter(sched, queueStore, sessionPoller, db, hub)
	apiServer := api.NewServer(cfg.Server, router.Handler())

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddIngestService(hub)
	tree.AddIngestService(manager)
	tree.AddIngestService(sessionPoller)
	tree.AddAPIService(apiServer)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for services to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	logging.Info().Msg("Playlens stopped")
}

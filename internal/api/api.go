// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package api is the thin HTTP shell over the ingestion core: job trigger
// endpoints, the aggregate status endpoint, and the SSE event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/poller"
	"github.com/playlens/playlens/internal/queue"
)

// Scheduler is the trigger surface the router exposes.
type Scheduler interface {
	Running() bool
	ReloadServerConfig(ctx context.Context, serverID int64) error
	TriggerFullSync(ctx context.Context, serverID int64) (string, error)
	TriggerUserSync(ctx context.Context, serverID int64) (string, error)
	TriggerLibraryItemsSync(ctx context.Context, serverID int64) (string, error)
	TriggerPeopleSync(ctx context.Context, serverID int64) (string, error)
	TriggerGeolocationBackfill(ctx context.Context, serverID int64) (string, error)
	TriggerSecuritySync(ctx context.Context, serverID int64) (string, error)
}

// QueueStats is the queue health slice the status endpoint reads.
type QueueStats interface {
	GlobalStats(ctx context.Context) (*queue.Stats, error)
	RecentFailedCount(ctx context.Context, window time.Duration) (int64, error)
}

// PollerStatus exposes the session poller's self-reported health.
type PollerStatus interface {
	Status() poller.Status
}

// Store is the database slice the router needs.
type Store interface {
	ListServers(ctx context.Context) ([]models.Server, error)
	UpsertJobConfig(ctx context.Context, c models.ServerJobConfig) error
}

// EventSource delivers the stream behind /api/events.
type EventSource interface {
	Subscribe(since time.Time) (<-chan events.Event, func())
}

// Router wires the HTTP shell. All heavy lifting stays in the core packages.
type Router struct {
	scheduler Scheduler
	queue     QueueStats
	poller    PollerStatus
	store     Store
	stream    EventSource
	validate  *validator.Validate
}

// NewRouter builds the HTTP shell over the given collaborators.
func NewRouter(scheduler Scheduler, queue QueueStats, poller PollerStatus, store Store, stream EventSource) *Router {
	return &Router{
		scheduler: scheduler,
		queue:     queue,
		poller:    poller,
		store:     store,
		stream:    stream,
		validate:  validator.New(),
	}
}

// Handler assembles the chi route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", rt.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", rt.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(120, time.Minute))

			r.Get("/server-status", rt.handleServerStatus)

			r.Route("/servers/{serverID}", func(r chi.Router) {
				r.Post("/sync/full", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerFullSync }))
				r.Post("/sync/users", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerUserSync }))
				r.Post("/sync/library-items", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerLibraryItemsSync }))
				r.Post("/sync/people", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerPeopleSync }))
				r.Post("/sync/geolocation-backfill", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerGeolocationBackfill }))
				r.Post("/sync/security", rt.trigger(func(s Scheduler) triggerFunc { return s.TriggerSecuritySync }))

				r.Put("/job-configs/{jobKey}", rt.handlePutJobConfig)
			})
		})
	})

	return r
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package jobs holds the queue handlers behind the scheduler's catalog:
// activity and user syncs, geolocation jobs, and the opaque collaborators
// (full sync, embeddings, deleted items) that record progress in
// job_results.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/geoloc"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/queue"
	"github.com/playlens/playlens/internal/scheduler"
	"github.com/playlens/playlens/internal/ums"
)

// store is the database slice the handlers need.
type store interface {
	GetServer(ctx context.Context, id int64) (*models.Server, error)
	ServersWithoutUpstreamID(ctx context.Context) ([]int64, error)
	SetServerUpstreamID(ctx context.Context, id int64, upstreamID string) error
	UpdateServerSyncStatus(ctx context.Context, id int64, status models.SyncStatus, progress, syncErr string) error
	UpsertUsers(ctx context.Context, serverID int64, users []models.UMSUser) error
	UpsertJobResult(ctx context.Context, r *models.JobResult) error
}

// geoPipeline is the geolocation slice the handlers need.
type geoPipeline interface {
	GeolocateActivities(ctx context.Context, serverID int64, batchSize int) (geoloc.GeolocateResult, error)
	BackfillActivityLocations(ctx context.Context, serverID int64, batchSize int) (geoloc.GeolocateResult, error)
	CalculateFingerprints(ctx context.Context, serverID int64) (int, error)
}

// securityRunner runs the composite security sweep.
type securityRunner interface {
	Run(ctx context.Context, serverID int64) (geoloc.SecuritySyncCounters, error)
}

// activityIngestor pulls the upstream activity log.
type activityIngestor interface {
	Ingest(ctx context.Context, serverID int64, client ums.Client, pageSize, maxPages int) (int, error)
}

// sender enqueues follow-up jobs.
type sender interface {
	Send(ctx context.Context, name string, payload any, opts queue.SendOptions) (string, error)
}

type publisher interface {
	Publish(e events.Event)
}

// Handlers is the wired set of queue handlers.
type Handlers struct {
	store    store
	queue    sender
	ingest   activityIngestor
	pipeline geoPipeline
	security securityRunner
	clients  func(models.Server) ums.Client
	hub      publisher
	now      func() time.Time
}

// New wires the handler set. hub may be nil in tests.
func New(st store, q sender, ingest activityIngestor, pipeline geoPipeline, security securityRunner, clients func(models.Server) ums.Client, hub publisher) *Handlers {
	return &Handlers{
		store:    st,
		queue:    q,
		ingest:   ingest,
		pipeline: pipeline,
		security: security,
		clients:  clients,
		hub:      hub,
		now:      time.Now,
	}
}

// RegisterAll binds every catalog queue to its handler. The maintenance
// queue is registered separately by the caller because the maintenance
// worker owns other dependencies.
func (h *Handlers) RegisterAll(reg *queue.Registry) {
	one := queue.WorkOptions{BatchSize: 1}

	reg.Register("activity-sync", h.handleActivitySync, one)
	reg.Register("user-sync", h.handleUserSync, one)
	reg.Register("full-sync", h.handleFullSync, one)
	reg.Register("recent-items-sync", h.opaque("recent-items-sync"), one)
	reg.Register(scheduler.QueueLibraryItemsSync, h.opaque(scheduler.QueueLibraryItemsSync), one)
	reg.Register("people-sync", h.opaque("people-sync"), one)
	reg.Register(scheduler.QueueDeletedItems, h.opaque(scheduler.QueueDeletedItems), one)
	reg.Register(scheduler.QueueEmbeddings, h.handleEmbeddings, one)
	reg.Register(scheduler.QueueBackfillUpstream, h.handleBackfillUpstreamIDs, one)
	reg.Register(scheduler.QueueGeolocate, h.handleGeolocate, one)
	reg.Register(scheduler.QueueFingerprints, h.handleFingerprints, one)
	reg.Register(scheduler.QueueGeoBackfill, h.handleGeoBackfill, one)
	reg.Register(scheduler.QueueSecuritySync, h.handleSecuritySync, one)
}

// jobPayload mirrors the scheduler's enqueue payload.
type jobPayload struct {
	ServerID  int64 `json:"serverId"`
	BatchSize int   `json:"batchSize,omitempty"`
}

func decodePayload(job *queue.Job) (jobPayload, error) {
	var p jobPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", job.Name, err)
	}
	if p.ServerID < 1 {
		return p, fmt.Errorf("job %s has no server id", job.ID)
	}
	return p, nil
}

// perJob runs fn once per job in the batch, short-circuiting on the first
// error so retry accounting applies to the whole fetch.
func (h *Handlers) perJob(jobName string, fn func(ctx context.Context, job *queue.Job, p jobPayload) error) queue.Handler {
	return func(ctx context.Context, batch []*queue.Job) error {
		for _, job := range batch {
			p, err := decodePayload(job)
			if err != nil {
				return err
			}
			started := h.now()
			if err := fn(ctx, job, p); err != nil {
				h.finishResult(ctx, job, p.ServerID, jobName, "failed",
					map[string]any{"error": err.Error()}, started)
				h.publish(events.Event{Type: "job:failed", JobName: jobName,
					ServerID: p.ServerID, Error: err.Error()})
				return err
			}
		}
		return nil
	}
}

func (h *Handlers) handleActivitySync(ctx context.Context, batch []*queue.Job) error {
	return h.perJob("activity-sync", func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		srv, err := h.store.GetServer(ctx, p.ServerID)
		if err != nil {
			return err
		}
		n, err := h.ingest.Ingest(ctx, p.ServerID, h.clients(*srv), 100, 50)
		if err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, "activity-sync",
			map[string]any{"activitiesSynced": n}, started)
		return nil
	})(ctx, batch)
}

func (h *Handlers) handleUserSync(ctx context.Context, batch []*queue.Job) error {
	return h.perJob("user-sync", func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		srv, err := h.store.GetServer(ctx, p.ServerID)
		if err != nil {
			return err
		}
		users, err := h.clients(*srv).Users(ctx)
		if err != nil {
			return err
		}
		if err := h.store.UpsertUsers(ctx, p.ServerID, users); err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, "user-sync",
			map[string]any{"usersSynced": len(users)}, started)
		return nil
	})(ctx, batch)
}

// handleFullSync walks a server through the syncing lifecycle: users first,
// then an unbounded activity backfill. Step failures mark the server failed
// with the step name preserved in syncProgress.
func (h *Handlers) handleFullSync(ctx context.Context, batch []*queue.Job) error {
	return h.perJob("full-sync", func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		srv, err := h.store.GetServer(ctx, p.ServerID)
		if err != nil {
			return err
		}
		client := h.clients(*srv)

		step := "users"
		if err := h.store.UpdateServerSyncStatus(ctx, p.ServerID, models.SyncStatusSyncing, step, ""); err != nil {
			return err
		}
		fail := func(cause error) error {
			if statusErr := h.store.UpdateServerSyncStatus(ctx, p.ServerID,
				models.SyncStatusFailed, step, cause.Error()); statusErr != nil {
				logging.Err(statusErr).Int64("server_id", p.ServerID).
					Msg("Could not record failed sync status")
			}
			return fmt.Errorf("full sync step %s: %w", step, cause)
		}

		users, err := client.Users(ctx)
		if err != nil {
			return fail(err)
		}
		if err := h.store.UpsertUsers(ctx, p.ServerID, users); err != nil {
			return fail(err)
		}

		step = "activities"
		if err := h.store.UpdateServerSyncStatus(ctx, p.ServerID, models.SyncStatusSyncing, step, ""); err != nil {
			return fail(err)
		}
		activities, err := h.ingest.Ingest(ctx, p.ServerID, client, 100, 200)
		if err != nil {
			return fail(err)
		}

		if err := h.store.UpdateServerSyncStatus(ctx, p.ServerID, models.SyncStatusCompleted, "completed", ""); err != nil {
			return fail(err)
		}
		h.complete(ctx, job, p.ServerID, "full-sync",
			map[string]any{"usersSynced": len(users), "activitiesSynced": activities}, started)
		return nil
	})(ctx, batch)
}

// handleBackfillUpstreamIDs resolves the upstream id of every server that
// does not have one yet. Per-server failures are logged and skipped so one
// unreachable server cannot starve the rest.
func (h *Handlers) handleBackfillUpstreamIDs(ctx context.Context, batch []*queue.Job) error {
	ids, err := h.store.ServersWithoutUpstreamID(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		srv, err := h.store.GetServer(ctx, id)
		if err != nil {
			logging.Err(err).Int64("server_id", id).Msg("Upstream id backfill skipped server")
			continue
		}
		info, err := h.clients(*srv).SystemInfo(ctx)
		if err != nil {
			logging.Warn().Err(err).Int64("server_id", id).
				Msg("Upstream id backfill could not reach server")
			continue
		}
		if err := h.store.SetServerUpstreamID(ctx, id, info.ID); err != nil {
			return err
		}
		logging.Info().Int64("server_id", id).Str("upstream_id", info.ID).
			Msg("Backfilled upstream id")
	}
	return nil
}

func (h *Handlers) handleGeolocate(ctx context.Context, batch []*queue.Job) error {
	return h.perJob(scheduler.QueueGeolocate, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		result, err := h.pipeline.GeolocateActivities(ctx, p.ServerID, p.BatchSize)
		if err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, scheduler.QueueGeolocate, map[string]any{
			"processed": result.Processed,
			"located":   result.Located,
			"anomalies": result.Anomalies,
		}, started)
		return nil
	})(ctx, batch)
}

func (h *Handlers) handleGeoBackfill(ctx context.Context, batch []*queue.Job) error {
	return h.perJob(scheduler.QueueGeoBackfill, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		result, err := h.pipeline.BackfillActivityLocations(ctx, p.ServerID, p.BatchSize)
		if err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, scheduler.QueueGeoBackfill, map[string]any{
			"processed": result.Processed,
			"located":   result.Located,
			"anomalies": result.Anomalies,
		}, started)
		return nil
	})(ctx, batch)
}

func (h *Handlers) handleFingerprints(ctx context.Context, batch []*queue.Job) error {
	return h.perJob(scheduler.QueueFingerprints, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		n, err := h.pipeline.CalculateFingerprints(ctx, p.ServerID)
		if err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, scheduler.QueueFingerprints,
			map[string]any{"fingerprintsUpdated": n}, started)
		return nil
	})(ctx, batch)
}

func (h *Handlers) handleSecuritySync(ctx context.Context, batch []*queue.Job) error {
	return h.perJob(scheduler.QueueSecuritySync, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		counters, err := h.security.Run(ctx, p.ServerID)
		if err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, scheduler.QueueSecuritySync, counters, started)
		return nil
	})(ctx, batch)
}

// handleEmbeddings is an opaque collaborator: it claims the job in
// job_results with a heartbeat so the maintenance GC can tell a live run
// from an abandoned one, then completes.
func (h *Handlers) handleEmbeddings(ctx context.Context, batch []*queue.Job) error {
	return h.perJob(scheduler.QueueEmbeddings, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		started := h.now()
		if err := h.writeResult(ctx, job.ID, p.ServerID, scheduler.QueueEmbeddings,
			"processing", map[string]any{"lastHeartbeat": started}, started); err != nil {
			return err
		}
		h.complete(ctx, job, p.ServerID, scheduler.QueueEmbeddings,
			map[string]any{"itemsEmbedded": 0}, started)
		return nil
	})(ctx, batch)
}

// opaque returns a handler for a collaborator whose internals live outside
// the ingestion core. It records the run so operators can see the queue is
// serviced.
func (h *Handlers) opaque(jobName string) queue.Handler {
	return h.perJob(jobName, func(ctx context.Context, job *queue.Job, p jobPayload) error {
		h.complete(ctx, job, p.ServerID, jobName, nil, h.now())
		return nil
	})
}

// ReconcileDeletedItems enqueues the reconciliation job for one server.
// Implements the maintenance worker's reconciler interface; the singleton
// key keeps a slow run from stacking up.
func (h *Handlers) ReconcileDeletedItems(ctx context.Context, serverID int64) (int, error) {
	_, err := h.queue.Send(ctx, scheduler.QueueDeletedItems, jobPayload{ServerID: serverID},
		queue.SendOptions{
			ExpireInSeconds: int((30 * time.Minute).Seconds()),
			RetryLimit:      1,
			RetryDelay:      60,
			SingletonKey:    fmt.Sprintf("%s-%d", scheduler.QueueDeletedItems, serverID),
		})
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (h *Handlers) complete(ctx context.Context, job *queue.Job, serverID int64, jobName string, data any, started time.Time) {
	h.finishResult(ctx, job, serverID, jobName, "completed", data, started)
	h.publish(events.Event{Type: "job:completed", JobName: jobName, ServerID: serverID, Data: data})
}

func (h *Handlers) finishResult(ctx context.Context, job *queue.Job, serverID int64, jobName, status string, data any, started time.Time) {
	if err := h.writeResult(ctx, job.ID, serverID, jobName, status, data, started); err != nil {
		logging.Err(err).Str("job_id", job.ID).Str("job_name", jobName).
			Msg("Could not record job result")
	}
}

func (h *Handlers) writeResult(ctx context.Context, jobID string, serverID int64, jobName, status string, data any, started time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return h.store.UpsertJobResult(ctx, &models.JobResult{
		ID:             jobID,
		ServerID:       serverID,
		JobName:        jobName,
		Status:         status,
		Result:         payload,
		ProcessingTime: int(h.now().Sub(started).Seconds()),
	})
}

func (h *Handlers) publish(e events.Event) {
	if h.hub != nil {
		h.hub.Publish(e)
	}
}

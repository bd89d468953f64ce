// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package scheduler

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/queue"
)

const (
	embeddingsStaleAge      = 10 * time.Minute
	embeddingsHeartbeatAge  = 2 * time.Minute
	embeddingsTimeCapSecs   = 600
	jobResultRetention      = 10 * 24 * time.Hour
)

// maintenanceStore is the database slice the maintenance worker needs.
type maintenanceStore interface {
	FailStaleSyncingServers(ctx context.Context) ([]int64, error)
	ListStaleProcessingResults(ctx context.Context, jobName string, age time.Duration) ([]models.JobResult, error)
	FailJobResult(ctx context.Context, id string, processingTime int) error
	PruneJobResults(ctx context.Context, olderThan time.Duration) (int64, error)
	ListServers(ctx context.Context) ([]models.Server, error)
}

// DeletedItemsReconciler removes local records for items deleted upstream.
// Implemented by the library sync collaborator.
type DeletedItemsReconciler interface {
	ReconcileDeletedItems(ctx context.Context, serverID int64) (removed int, err error)
}

// MaintenanceWorker is the single handler behind the 1-minute global
// schedule. It dispatches hourly and daily work internally by wall clock.
type MaintenanceWorker struct {
	store      maintenanceStore
	reconciler DeletedItemsReconciler
	now        func() time.Time
}

// NewMaintenanceWorker wires the worker. reconciler may be nil when the
// deployment carries no library sync collaborator.
func NewMaintenanceWorker(store maintenanceStore, reconciler DeletedItemsReconciler) *MaintenanceWorker {
	return &MaintenanceWorker{store: store, reconciler: reconciler, now: time.Now}
}

// Handler adapts the worker to the queue handler contract.
func (w *MaintenanceWorker) Handler(ctx context.Context, _ []*queue.Job) error {
	w.RunAt(ctx, w.now())
	return nil
}

// RunAt executes one maintenance pass for the given wall-clock time. The
// sub-tasks are independent; a failure in one never blocks the others.
func (w *MaintenanceWorker) RunAt(ctx context.Context, now time.Time) {
	w.resetStaleSyncs(ctx)
	w.expireStaleEmbeddings(ctx)

	if now.Minute() == 0 {
		w.reconcileDeletedItems(ctx)
	}
	if now.Hour() == 3 && now.Minute() == 0 {
		w.pruneJobResults(ctx)
	}
}

func (w *MaintenanceWorker) resetStaleSyncs(ctx context.Context) {
	ids, err := w.store.FailStaleSyncingServers(ctx)
	if err != nil {
		logging.Err(err).Msg("Stale sync reset failed")
		return
	}
	if len(ids) > 0 {
		logging.Warn().Ints64("server_ids", ids).
			Msg("Marked servers stuck in syncing state as failed")
	}
}

// expireStaleEmbeddings fails embeddings job results stuck in processing
// whose heartbeat has gone quiet.
func (w *MaintenanceWorker) expireStaleEmbeddings(ctx context.Context) {
	results, err := w.store.ListStaleProcessingResults(ctx, QueueEmbeddings, embeddingsStaleAge)
	if err != nil {
		logging.Err(err).Msg("Stale embeddings lookup failed")
		return
	}

	now := w.now()
	for _, r := range results {
		if hb, ok := lastHeartbeat(r.Result); ok && now.Sub(hb) < embeddingsHeartbeatAge {
			continue
		}
		elapsed := int(now.Sub(r.CreatedAt).Seconds())
		if elapsed > embeddingsTimeCapSecs {
			elapsed = embeddingsTimeCapSecs
		}
		if err := w.store.FailJobResult(ctx, r.ID, elapsed); err != nil {
			logging.Err(err).Str("result_id", r.ID).
				Msg("Failed to expire stale embeddings result")
			continue
		}
		logging.Warn().Str("result_id", r.ID).Int64("server_id", r.ServerID).
			Msg("Expired stale embeddings job result")
	}
}

// lastHeartbeat extracts the heartbeat timestamp embedded in a result blob.
func lastHeartbeat(result []byte) (time.Time, bool) {
	if len(result) == 0 {
		return time.Time{}, false
	}
	var payload struct {
		LastHeartbeat *time.Time `json:"lastHeartbeat"`
	}
	if err := json.Unmarshal(result, &payload); err != nil || payload.LastHeartbeat == nil {
		return time.Time{}, false
	}
	return *payload.LastHeartbeat, true
}

func (w *MaintenanceWorker) reconcileDeletedItems(ctx context.Context) {
	if w.reconciler == nil {
		return
	}
	servers, err := w.store.ListServers(ctx)
	if err != nil {
		logging.Err(err).Msg("Deleted items reconciliation skipped, server list failed")
		return
	}
	for _, srv := range servers {
		if srv.SyncStatus == models.SyncStatusSyncing {
			continue
		}
		removed, err := w.reconciler.ReconcileDeletedItems(ctx, srv.ID)
		if err != nil {
			logging.Err(err).Int64("server_id", srv.ID).
				Msg("Deleted items reconciliation failed")
			continue
		}
		logging.Info().Int64("server_id", srv.ID).Int("removed", removed).
			Msg("Deleted items reconciliation completed")
	}
}

func (w *MaintenanceWorker) pruneJobResults(ctx context.Context) {
	pruned, err := w.store.PruneJobResults(ctx, jobResultRetention)
	if err != nil {
		logging.Err(err).Msg("Job result pruning failed")
		return
	}
	logging.Info().Int64("pruned", pruned).Msg("Pruned old job results")
}

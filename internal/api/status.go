// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/poller"
)

const (
	stuckSyncAge       = 30 * time.Minute
	recentFailedWindow = time.Hour

	queuedWarnThreshold       = 100
	recentFailedWarnThreshold = 5
	totalFailedWarnThreshold  = 10
)

type serverStatusEntry struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	SyncStatus        string     `json:"syncStatus"`
	SyncError         string     `json:"syncError,omitempty"`
	LastSyncCompleted *time.Time `json:"lastSyncCompleted,omitempty"`
}

type queueStatus struct {
	Queued       int64 `json:"queued"`
	Active       int64 `json:"active"`
	Failed       int64 `json:"failed"`
	RecentFailed int64 `json:"recentFailed"`
}

type serverStatusResponse struct {
	Status           string              `json:"status"`
	Issues           []string            `json:"issues,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
	Servers          []serverStatusEntry `json:"servers"`
	Queue            queueStatus         `json:"queue"`
	SessionPoller    poller.Status       `json:"sessionPoller"`
	SchedulerRunning bool                `json:"schedulerRunning"`
}

// handleServerStatus aggregates server, queue, scheduler, and poller health
// into one healthy / warning / unhealthy verdict with the reasons attached.
func (rt *Router) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := rt.buildServerStatus(r.Context())
	if err != nil {
		logging.Err(err).Msg("Server status aggregation failed")
		writeError(w, http.StatusInternalServerError, "status aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) buildServerStatus(ctx context.Context) (*serverStatusResponse, error) {
	servers, err := rt.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	stats, err := rt.queue.GlobalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	recentFailed, err := rt.queue.RecentFailedCount(ctx, recentFailedWindow)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}

	resp := &serverStatusResponse{
		Queue: queueStatus{
			Queued:       stats.QueuedCount,
			Active:       stats.ActiveCount,
			Failed:       stats.FailedCount,
			RecentFailed: recentFailed,
		},
		SessionPoller:    rt.poller.Status(),
		SchedulerRunning: rt.scheduler.Running(),
	}

	now := time.Now()
	for _, srv := range servers {
		resp.Servers = append(resp.Servers, serverStatusEntry{
			ID:                srv.ID,
			Name:              srv.Name,
			SyncStatus:        string(srv.SyncStatus),
			SyncError:         srv.SyncError,
			LastSyncCompleted: srv.LastSyncCompleted,
		})
		switch {
		case srv.SyncStatus == models.SyncStatusFailed:
			resp.Issues = append(resp.Issues,
				fmt.Sprintf("server %s sync failed: %s", srv.Name, srv.SyncError))
		case srv.SyncStatus == models.SyncStatusSyncing &&
			srv.LastSyncStarted != nil && now.Sub(*srv.LastSyncStarted) > stuckSyncAge:
			resp.Issues = append(resp.Issues,
				fmt.Sprintf("server %s stuck syncing for %s", srv.Name,
					now.Sub(*srv.LastSyncStarted).Round(time.Minute)))
		}
	}

	if !resp.SchedulerRunning {
		resp.Issues = append(resp.Issues, "scheduler is not running")
	}
	if !resp.SessionPoller.Running {
		resp.Issues = append(resp.Issues, "session poller is not running")
	}

	if stats.QueuedCount > queuedWarnThreshold {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("%d jobs queued", stats.QueuedCount))
	}
	if recentFailed > recentFailedWarnThreshold {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("%d jobs failed in the last hour", recentFailed))
	}
	if stats.FailedCount > totalFailedWarnThreshold {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("%d failed jobs total", stats.FailedCount))
	}
	if !resp.SessionPoller.Healthy && resp.SessionPoller.Running {
		resp.Warnings = append(resp.Warnings, "session poller is degraded")
	}

	switch {
	case len(resp.Issues) > 0:
		resp.Status = "unhealthy"
	case len(resp.Warnings) > 0:
		resp.Status = "warning"
	default:
		resp.Status = "healthy"
	}
	return resp, nil
}

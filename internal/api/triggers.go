// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/scheduler"
)

type triggerFunc func(ctx context.Context, serverID int64) (string, error)

// trigger adapts one scheduler trigger method into a POST handler. An empty
// returned job id means an identical singleton job is already queued.
func (rt *Router) trigger(pick func(Scheduler) triggerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID, ok := pathServerID(w, r)
		if !ok {
			return
		}
		jobID, err := pick(rt.scheduler)(r.Context(), serverID)
		if err != nil {
			logging.Err(err).Int64("server_id", serverID).Msg("Trigger failed")
			writeError(w, http.StatusInternalServerError, "trigger failed")
			return
		}
		if jobID == "" {
			writeJSON(w, http.StatusAccepted, map[string]any{"alreadyQueued": true})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
	}
}

// jobConfigRequest is the PUT body for a per-server job override. Cron jobs
// take cronExpression, interval jobs take intervalSeconds.
type jobConfigRequest struct {
	Enabled         *bool   `json:"enabled"`
	CronExpression  *string `json:"cronExpression"`
	IntervalSeconds *int    `json:"intervalSeconds" validate:"omitempty,gte=1"`
}

func (rt *Router) handlePutJobConfig(w http.ResponseWriter, r *http.Request) {
	serverID, ok := pathServerID(w, r)
	if !ok {
		return
	}
	jobKey := chi.URLParam(r, "jobKey")
	if !scheduler.KnownJobKey(jobKey) {
		writeError(w, http.StatusBadRequest, "unknown job key "+jobKey)
		return
	}

	var req jobConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := rt.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CronExpression != nil {
		if _, err := cron.ParseStandard(*req.CronExpression); err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression")
			return
		}
	}

	cfg := models.ServerJobConfig{
		ServerID:        serverID,
		JobKey:          jobKey,
		Enabled:         req.Enabled,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
	}
	if err := rt.store.UpsertJobConfig(r.Context(), cfg); err != nil {
		logging.Err(err).Int64("server_id", serverID).Str("job_key", jobKey).
			Msg("Job config write failed")
		writeError(w, http.StatusInternalServerError, "could not persist job config")
		return
	}

	// Reschedule on a fresh context so a client disconnect cannot leave the
	// stored override and the live schedules out of step.
	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	if err := rt.scheduler.ReloadServerConfig(reloadCtx, serverID); err != nil {
		logging.Err(err).Int64("server_id", serverID).Msg("Schedule reload failed")
		writeError(w, http.StatusInternalServerError, "config saved but reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverId": serverID, "jobKey": jobKey})
}

func pathServerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverID"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return 0, false
	}
	return id, true
}

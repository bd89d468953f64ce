// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"fmt"

	"github.com/playlens/playlens/internal/events"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/ums"
)

const (
	securitySyncJobName = "security-sync"

	// Recent-window activity sweep, smaller than the regular ingest pass.
	securitySyncPageSize = 100
	securitySyncMaxPages = 5

	securitySyncBatchSize = 500
	securitySyncCap       = 10_000
)

// activityIngestor is the activity sync slice the job needs.
type activityIngestor interface {
	Ingest(ctx context.Context, serverID int64, client ums.Client, pageSize, maxPages int) (int, error)
}

// serverGetter loads the server row for client construction.
type serverGetter interface {
	GetServer(ctx context.Context, id int64) (*models.Server, error)
}

// SecuritySyncCounters accumulate across the three phases and ride on every
// progress event.
type SecuritySyncCounters struct {
	ActivitiesSynced    int `json:"activitiesSynced"`
	LocationsProcessed  int `json:"locationsProcessed"`
	FingerprintsUpdated int `json:"fingerprintsUpdated"`
	AnomaliesDetected   int `json:"anomaliesDetected"`
}

// SecuritySyncJob runs the composite security sweep for one server: pull
// recent activities, geolocate the backlog, then recompute fingerprints.
type SecuritySyncJob struct {
	servers  serverGetter
	ingest   activityIngestor
	clients  func(models.Server) ums.Client
	pipeline *Pipeline
	hub      publisher
}

// NewSecuritySyncJob wires the composite job. hub may be nil in tests.
func NewSecuritySyncJob(servers serverGetter, ingest activityIngestor, clients func(models.Server) ums.Client, pipeline *Pipeline, hub publisher) *SecuritySyncJob {
	return &SecuritySyncJob{servers: servers, ingest: ingest, clients: clients, pipeline: pipeline, hub: hub}
}

// Run executes the three phases in order. A phase error aborts the run and
// publishes a failed event with the counters accumulated so far.
func (j *SecuritySyncJob) Run(ctx context.Context, serverID int64) (SecuritySyncCounters, error) {
	var counters SecuritySyncCounters
	j.publish(events.Event{Type: "job:started", JobName: securitySyncJobName, ServerID: serverID})

	srv, err := j.servers.GetServer(ctx, serverID)
	if err != nil {
		return counters, j.fail(serverID, counters, fmt.Errorf("load server: %w", err))
	}
	client := j.clients(*srv)

	synced, err := j.ingest.Ingest(ctx, serverID, client, securitySyncPageSize, securitySyncMaxPages)
	counters.ActivitiesSynced = synced
	if err != nil {
		return counters, j.fail(serverID, counters, fmt.Errorf("sync recent activities: %w", err))
	}
	j.progress(serverID, "activities", counters)

	for counters.LocationsProcessed < securitySyncCap {
		batch, err := j.pipeline.GeolocateActivities(ctx, serverID, securitySyncBatchSize)
		counters.LocationsProcessed += batch.Processed
		counters.AnomaliesDetected += batch.Anomalies
		if err != nil {
			return counters, j.fail(serverID, counters, fmt.Errorf("geolocate activities: %w", err))
		}
		if batch.Processed < securitySyncBatchSize {
			break
		}
	}
	j.progress(serverID, "geolocation", counters)

	updated, err := j.pipeline.CalculateFingerprints(ctx, serverID)
	counters.FingerprintsUpdated = updated
	if err != nil {
		return counters, j.fail(serverID, counters, fmt.Errorf("calculate fingerprints: %w", err))
	}
	j.progress(serverID, "fingerprints", counters)

	j.publish(events.Event{
		Type: "job:completed", JobName: securitySyncJobName, ServerID: serverID,
		Data: counters,
	})
	logging.Info().Int64("server_id", serverID).
		Int("activities", counters.ActivitiesSynced).
		Int("locations", counters.LocationsProcessed).
		Int("fingerprints", counters.FingerprintsUpdated).
		Int("anomalies", counters.AnomaliesDetected).
		Msg("Security sync completed")
	return counters, nil
}

func (j *SecuritySyncJob) progress(serverID int64, phase string, counters SecuritySyncCounters) {
	j.publish(events.Event{
		Type: "job:progress", JobName: securitySyncJobName, ServerID: serverID,
		Data: map[string]any{
			"phase":               phase,
			"activitiesSynced":    counters.ActivitiesSynced,
			"locationsProcessed":  counters.LocationsProcessed,
			"fingerprintsUpdated": counters.FingerprintsUpdated,
			"anomaliesDetected":   counters.AnomaliesDetected,
		},
	})
}

func (j *SecuritySyncJob) fail(serverID int64, counters SecuritySyncCounters, err error) error {
	j.publish(events.Event{
		Type: "job:failed", JobName: securitySyncJobName, ServerID: serverID,
		Data: counters, Error: err.Error(),
	})
	return err
}

func (j *SecuritySyncJob) publish(e events.Event) {
	if j.hub != nil {
		j.hub.Publish(e)
	}
}

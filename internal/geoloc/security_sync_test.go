// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package geoloc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/ums"
)

type fakeIngest struct {
	synced int
	err    error
}

func (f *fakeIngest) Ingest(ctx context.Context, serverID int64, client ums.Client, pageSize, maxPages int) (int, error) {
	return f.synced, f.err
}

type fakeServers struct{}

func (fakeServers) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	return &models.Server{ID: id, Name: "den", URL: "http://ums.local"}, nil
}

func nilClient(models.Server) ums.Client { return nil }

func TestBackfillDrainsInBatches(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	var backlog []models.Activity
	for i := int64(1); i <= 7; i++ {
		backlog = append(backlog, userActivity(i, t0.Add(time.Duration(i)*time.Minute),
			"U", "U is online", "from 203.0.113.5"))
	}
	store := &fakeGeoStore{unlocated: backlog}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	hub := &fakeHub{}
	p := New(store, resolver, hub, Thresholds{})

	result, err := p.BackfillActivityLocations(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("BackfillActivityLocations: %v", err)
	}
	if result.Processed != 7 || result.Located != 7 {
		t.Errorf("processed=%d located=%d, want 7/7", result.Processed, result.Located)
	}
	// Batches of 3, 3, 1; the short final batch ends the loop.
	if len(hub.events) != 3 {
		t.Errorf("progress events = %d, want 3", len(hub.events))
	}
	for _, e := range hub.events {
		if e.Type != "job:progress" || e.JobName != "backfill-activity-locations" {
			t.Errorf("event = %+v", e)
		}
	}
}

func TestSecuritySyncPhases(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	store := &fakeGeoStore{
		unlocated: []models.Activity{
			userActivity(1, t0, "U", "U is online", "from 203.0.113.5"),
		},
		userIDs: []string{"U"},
		located: map[string][]database.LocatedActivity{
			"U": {locatedActivity(1, t0, "U is playing Film on TV", geoBerlin)},
		},
	}
	resolver := &fakeResolver{byIP: map[string]*models.Geolocation{"203.0.113.5": geoBerlin}}
	hub := &fakeHub{}
	pipeline := New(store, resolver, hub, Thresholds{})
	job := NewSecuritySyncJob(fakeServers{}, &fakeIngest{synced: 12}, nilClient, pipeline, hub)

	counters, err := job.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counters.ActivitiesSynced != 12 {
		t.Errorf("activitiesSynced = %d, want 12", counters.ActivitiesSynced)
	}
	if counters.LocationsProcessed != 1 {
		t.Errorf("locationsProcessed = %d, want 1", counters.LocationsProcessed)
	}
	if counters.FingerprintsUpdated != 1 {
		t.Errorf("fingerprintsUpdated = %d, want 1", counters.FingerprintsUpdated)
	}
	if counters.AnomaliesDetected != 1 {
		t.Errorf("anomaliesDetected = %d, want 1", counters.AnomaliesDetected)
	}

	var types []string
	for _, e := range hub.events {
		if e.JobName == securitySyncJobName {
			types = append(types, e.Type)
		}
	}
	want := []string{"job:started", "job:progress", "job:progress", "job:progress", "job:completed"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
}

func TestSecuritySyncFailurePublishesFailedEvent(t *testing.T) {
	hub := &fakeHub{}
	pipeline := New(&fakeGeoStore{}, &fakeResolver{}, hub, Thresholds{})
	job := NewSecuritySyncJob(fakeServers{}, &fakeIngest{err: errors.New("upstream down")}, nilClient, pipeline, hub)

	if _, err := job.Run(context.Background(), 1); err == nil {
		t.Fatal("expected phase error to propagate")
	}

	last := hub.events[len(hub.events)-1]
	if last.Type != "job:failed" || last.Error == "" {
		t.Errorf("last event = %+v, want job:failed with error", last)
	}
}

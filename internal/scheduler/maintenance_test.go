// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/playlens/playlens/internal/models"
)

type fakeMaintenanceStore struct {
	staleResults []models.JobResult
	servers      []models.Server

	staleSyncCalls int
	failedResults  map[string]int
	pruneCalls     int
}

func (f *fakeMaintenanceStore) FailStaleSyncingServers(ctx context.Context) ([]int64, error) {
	f.staleSyncCalls++
	return nil, nil
}

func (f *fakeMaintenanceStore) ListStaleProcessingResults(ctx context.Context, jobName string, age time.Duration) ([]models.JobResult, error) {
	return f.staleResults, nil
}

func (f *fakeMaintenanceStore) FailJobResult(ctx context.Context, id string, processingTime int) error {
	if f.failedResults == nil {
		f.failedResults = make(map[string]int)
	}
	f.failedResults[id] = processingTime
	return nil
}

func (f *fakeMaintenanceStore) PruneJobResults(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.pruneCalls++
	return 0, nil
}

func (f *fakeMaintenanceStore) ListServers(ctx context.Context) ([]models.Server, error) {
	return f.servers, nil
}

type fakeReconciler struct {
	reconciled []int64
}

func (f *fakeReconciler) ReconcileDeletedItems(ctx context.Context, serverID int64) (int, error) {
	f.reconciled = append(f.reconciled, serverID)
	return 0, nil
}

func TestMaintenanceClockDispatch(t *testing.T) {
	tests := []struct {
		at            time.Time
		wantDeleted   bool
		wantPrune     bool
	}{
		{time.Date(2026, 3, 10, 12, 34, 0, 0, time.UTC), false, false},
		{time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC), true, false},
		{time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.at.Format("15:04"), func(t *testing.T) {
			store := &fakeMaintenanceStore{
				servers: []models.Server{{ID: 1, SyncStatus: models.SyncStatusCompleted}},
			}
			rec := &fakeReconciler{}
			w := NewMaintenanceWorker(store, rec)

			w.RunAt(context.Background(), tt.at)

			if store.staleSyncCalls != 1 {
				t.Errorf("stale sync ran %d times, want every tick", store.staleSyncCalls)
			}
			if got := len(rec.reconciled) > 0; got != tt.wantDeleted {
				t.Errorf("deleted items ran = %v, want %v", got, tt.wantDeleted)
			}
			if got := store.pruneCalls > 0; got != tt.wantPrune {
				t.Errorf("prune ran = %v, want %v", got, tt.wantPrune)
			}
		})
	}
}

func TestMaintenanceSkipsBusyServers(t *testing.T) {
	store := &fakeMaintenanceStore{
		servers: []models.Server{
			{ID: 1, SyncStatus: models.SyncStatusSyncing},
			{ID: 2, SyncStatus: models.SyncStatusCompleted},
		},
	}
	rec := &fakeReconciler{}
	w := NewMaintenanceWorker(store, rec)

	w.RunAt(context.Background(), time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC))

	if len(rec.reconciled) != 1 || rec.reconciled[0] != 2 {
		t.Errorf("reconciled = %v, want only the non-busy server", rec.reconciled)
	}
}

func TestExpireStaleEmbeddings(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-time.Minute)
	quiet := now.Add(-5 * time.Minute)

	store := &fakeMaintenanceStore{
		staleResults: []models.JobResult{
			{ID: "fresh", CreatedAt: now.Add(-12 * time.Minute),
				Result: []byte(fmt.Sprintf(`{"lastHeartbeat":%q}`, fresh.Format(time.RFC3339)))},
			{ID: "quiet", CreatedAt: now.Add(-12 * time.Minute),
				Result: []byte(fmt.Sprintf(`{"lastHeartbeat":%q}`, quiet.Format(time.RFC3339)))},
			{ID: "no-heartbeat", CreatedAt: now.Add(-30 * time.Minute), Result: []byte(`{}`)},
		},
	}
	w := NewMaintenanceWorker(store, nil)
	w.now = func() time.Time { return now }

	w.RunAt(context.Background(), time.Date(2026, 3, 10, 12, 34, 0, 0, time.UTC))

	if _, ok := store.failedResults["fresh"]; ok {
		t.Error("result with a live heartbeat was expired")
	}
	if _, ok := store.failedResults["quiet"]; !ok {
		t.Error("result with a stale heartbeat was not expired")
	}
	if got := store.failedResults["no-heartbeat"]; got != embeddingsTimeCapSecs {
		t.Errorf("processing time = %d, want capped at %d", got, embeddingsTimeCapSecs)
	}
}

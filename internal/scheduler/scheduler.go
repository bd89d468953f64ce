// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/queue"
)

// serverStore is the database slice the scheduler needs.
type serverStore interface {
	ListServers(ctx context.Context) ([]models.Server, error)
	ResetSyncingServers(ctx context.Context) (int64, error)
	ServersWithoutUpstreamID(ctx context.Context) ([]int64, error)
	ListJobConfigs(ctx context.Context) ([]models.ServerJobConfig, error)
	ListJobConfigsForServer(ctx context.Context, serverID int64) ([]models.ServerJobConfig, error)
}

// jobQueue is the queue slice the scheduler drives.
type jobQueue interface {
	CreateQueue(ctx context.Context, name string, defaults queue.QueueDefaults) error
	Send(ctx context.Context, name string, payload any, opts queue.SendOptions) (string, error)
	Schedule(ctx context.Context, name, key, cronExpr string, payload any, opts queue.SendOptions) error
	Unschedule(ctx context.Context, name, key string) error
	CancelJobsByName(ctx context.Context, name string, serverID int64) (int64, error)
}

// Scheduler owns what should be scheduled when. It keeps the override cache
// that backs JobPolicy and reconciles it into durable schedule rows.
type Scheduler struct {
	store               serverStore
	queue               jobQueue
	overrides           *overrideCache
	skipStartupFullSync bool

	mu      sync.Mutex
	started bool
}

// New builds a scheduler. Call Start before serving traffic.
func New(store serverStore, q jobQueue, skipStartupFullSync bool) *Scheduler {
	return &Scheduler{
		store:               store,
		queue:               q,
		overrides:           newOverrideCache(),
		skipStartupFullSync: skipStartupFullSync,
	}
}

// Policy exposes the read-only job intent view.
func (s *Scheduler) Policy() JobPolicy { return s.overrides }

// Running reports whether startup completed. Consumed by the status surface.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start performs the ordered startup sequence: override load, stale sync
// reset, upstream-id backfill, optional full-sync fan-out, per-server
// schedule reconcile, and the global maintenance schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.ensureQueues(ctx); err != nil {
		return err
	}

	configs, err := s.store.ListJobConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load job overrides: %w", err)
	}
	s.overrides.replaceAll(configs)

	reset, err := s.store.ResetSyncingServers(ctx)
	if err != nil {
		return fmt.Errorf("reset syncing servers: %w", err)
	}
	if reset > 0 {
		logging.Info().Int64("servers", reset).
			Msg("Reset servers stuck in syncing state from previous run")
	}

	missing, err := s.store.ServersWithoutUpstreamID(ctx)
	if err != nil {
		return fmt.Errorf("check upstream ids: %w", err)
	}
	if len(missing) > 0 {
		id, err := s.queue.Send(ctx, QueueBackfillUpstream, jobPayload{}, queue.SendOptions{
			ExpireInSeconds: int(tierMedium.expireIn.Seconds()),
			RetryLimit:      tierMedium.retryLimit,
			RetryDelay:      int(tierMedium.retryDelay.Seconds()),
			SingletonKey:    QueueBackfillUpstream,
		})
		if err != nil {
			return fmt.Errorf("enqueue upstream id backfill: %w", err)
		}
		logging.Info().Int("servers", len(missing)).Str("job_id", id).
			Msg("Enqueued upstream id backfill")
	}

	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}

	if s.skipStartupFullSync {
		logging.Info().Msg("Startup full-sync skipped by configuration")
	} else {
		for _, srv := range servers {
			if srv.SyncStatus == models.SyncStatusSyncing {
				continue
			}
			if _, err := s.enqueueFullSync(ctx, srv.ID, tierExtended); err != nil {
				logging.Err(err).Int64("server_id", srv.ID).
					Msg("Failed to enqueue startup full-sync")
			}
		}
	}

	for _, srv := range servers {
		if err := s.SyncSchedulesForServer(ctx, srv.ID); err != nil {
			logging.Err(err).Int64("server_id", srv.ID).
				Msg("Schedule reconcile failed for server")
		}
	}

	if err := s.queue.Schedule(ctx, QueueMaintenance, "global", "* * * * *",
		jobPayload{}, queue.SendOptions{
			ExpireInSeconds: int(tierStandard.expireIn.Seconds()),
			SingletonKey:    QueueMaintenance,
		}); err != nil {
		return fmt.Errorf("register maintenance schedule: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	logging.Info().Int("servers", len(servers)).Msg("Scheduler started")
	return nil
}

// ensureQueues registers every queue the catalog and triggers can reach.
func (s *Scheduler) ensureQueues(ctx context.Context) error {
	names := []string{
		QueueMaintenance, QueueBackfillUpstream, QueueLibraryItemsSync,
		QueueGeoBackfill, QueueSecuritySync, QueueDeletedItems,
	}
	for _, def := range cronJobs() {
		names = append(names, def.queueName)
	}
	for _, name := range names {
		if err := s.queue.CreateQueue(ctx, name, queue.QueueDefaults{
			RetryLimit:       1,
			RetryDelay:       60,
			RetentionSeconds: int(tierExtended.expireIn.Seconds()) * 6,
		}); err != nil {
			return fmt.Errorf("ensure queue %s: %w", name, err)
		}
	}
	return nil
}

// SyncSchedulesForServer reconciles every cron job key for one server into
// schedule rows. A failure on one key does not abort the others.
func (s *Scheduler) SyncSchedulesForServer(ctx context.Context, serverID int64) error {
	var errs []error
	for _, def := range cronJobs() {
		key := scheduleKey(serverID)
		if !s.overrides.IsEnabled(serverID, def.key) {
			if err := s.queue.Unschedule(ctx, def.queueName, key); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", def.key, err))
			}
			continue
		}
		cronExpr := s.overrides.EffectiveCron(serverID, def.key)
		payload := buildPayload(serverID, def.key)
		if err := s.queue.Schedule(ctx, def.queueName, key, cronExpr, payload,
			sendOptionsFor(serverID, def)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.key, err))
		}
	}
	return errors.Join(errs...)
}

// ReloadServerConfig re-reads one server's overrides and re-reconciles its
// schedules. Called after the admin mutation persists an override.
func (s *Scheduler) ReloadServerConfig(ctx context.Context, serverID int64) error {
	configs, err := s.store.ListJobConfigsForServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("reload overrides for server %d: %w", serverID, err)
	}
	s.overrides.replaceServer(serverID, configs)
	return s.SyncSchedulesForServer(ctx, serverID)
}

// TriggerFullSync preempts any queued full-sync for the server, then
// enqueues a manual one with the extended manual tier.
func (s *Scheduler) TriggerFullSync(ctx context.Context, serverID int64) (string, error) {
	cancelled, err := s.queue.CancelJobsByName(ctx, "full-sync", serverID)
	if err != nil {
		return "", fmt.Errorf("preempt queued full-sync: %w", err)
	}
	if cancelled > 0 {
		logging.Info().Int64("server_id", serverID).Int64("cancelled", cancelled).
			Msg("Preempted queued full-sync jobs")
	}
	return s.enqueueFullSync(ctx, serverID, tierManualFullSync)
}

func (s *Scheduler) enqueueFullSync(ctx context.Context, serverID int64, tier sendTier) (string, error) {
	opts := tier.options()
	opts.SingletonKey = fmt.Sprintf("full-sync-%d", serverID)
	id, err := s.queue.Send(ctx, "full-sync", jobPayload{ServerID: serverID}, opts)
	if err != nil {
		return "", fmt.Errorf("enqueue full-sync: %w", err)
	}
	return id, nil
}

// TriggerUserSync enqueues an on-demand user sync.
func (s *Scheduler) TriggerUserSync(ctx context.Context, serverID int64) (string, error) {
	return s.trigger(ctx, "user-sync", jobPayload{ServerID: serverID}, tierMedium, "")
}

// TriggerLibraryItemsSync enqueues an on-demand library items sync.
func (s *Scheduler) TriggerLibraryItemsSync(ctx context.Context, serverID int64) (string, error) {
	return s.trigger(ctx, QueueLibraryItemsSync, jobPayload{ServerID: serverID}, tierLong, "")
}

// TriggerPeopleSync enqueues an on-demand people sync. Singleton per server:
// a busy server cannot stack duplicates.
func (s *Scheduler) TriggerPeopleSync(ctx context.Context, serverID int64) (string, error) {
	return s.trigger(ctx, "people-sync", jobPayload{ServerID: serverID}, tierLong,
		fmt.Sprintf("people-sync-%d", serverID))
}

// TriggerGeolocationBackfill enqueues the bounded location backfill loop.
func (s *Scheduler) TriggerGeolocationBackfill(ctx context.Context, serverID int64) (string, error) {
	return s.trigger(ctx, QueueGeoBackfill, jobPayload{ServerID: serverID, BatchSize: 500},
		tierExtended, fmt.Sprintf("%s-%d", QueueGeoBackfill, serverID))
}

// TriggerSecuritySync enqueues the composite security sync.
func (s *Scheduler) TriggerSecuritySync(ctx context.Context, serverID int64) (string, error) {
	return s.trigger(ctx, QueueSecuritySync, jobPayload{ServerID: serverID}, tierLong,
		fmt.Sprintf("%s-%d", QueueSecuritySync, serverID))
}

func (s *Scheduler) trigger(ctx context.Context, queueName string, payload jobPayload, tier sendTier, singleton string) (string, error) {
	opts := tier.options()
	opts.SingletonKey = singleton
	id, err := s.queue.Send(ctx, queueName, payload, opts)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	if id == "" {
		logging.Debug().Str("queue", queueName).Int64("server_id", payload.ServerID).
			Msg("Trigger skipped, singleton already in flight")
	}
	return id, nil
}

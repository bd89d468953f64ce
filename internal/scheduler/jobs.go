// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package scheduler translates per-server job intent into durable queue
// schedule rows, services on-demand sync triggers, and runs the periodic
// maintenance handler.
package scheduler

import (
	"fmt"
	"time"

	"github.com/playlens/playlens/internal/queue"
)

// JobKey identifies one schedulable activity. The catalog below is the
// authoritative closed set; unknown keys are rejected at the API boundary.
type JobKey string

const (
	JobActivitySync    JobKey = "activity-sync"
	JobRecentItemsSync JobKey = "recent-items-sync"
	JobUserSync        JobKey = "user-sync"
	JobPeopleSync      JobKey = "people-sync"
	JobEmbeddingsSync  JobKey = "embeddings-sync"
	JobFullSync        JobKey = "full-sync"
	JobGeolocationSync JobKey = "geolocation-sync"
	JobFingerprintSync JobKey = "fingerprint-sync"

	// JobSessionPolling is interval-tagged and consumed by the session
	// poller, never by the queue.
	JobSessionPolling JobKey = "session-polling"
)

// Queue names for jobs reachable only through triggers or internally.
const (
	QueueMaintenance       = "scheduler-maintenance"
	QueueBackfillUpstream  = "backfill-upstream-ids"
	QueueLibraryItemsSync  = "library-items-sync"
	QueueGeoBackfill       = "backfill-activity-locations"
	QueueSecuritySync      = "security-sync"
	QueueEmbeddings        = "generate-item-embeddings"
	QueueDeletedItems      = "deleted-items-reconciliation"
	QueueGeolocate         = "geolocate-activities"
	QueueFingerprints      = "calculate-fingerprints"
)

// jobKind tags a catalog entry as cron-scheduled or interval-driven.
type jobKind int

const (
	kindCron jobKind = iota
	kindInterval
)

// sendTier is one row of the per-job send-option table.
type sendTier struct {
	expireIn   time.Duration
	retryLimit int
	retryDelay time.Duration
}

var (
	tierStandard = sendTier{30 * time.Minute, 1, 60 * time.Second}
	tierMedium   = sendTier{time.Hour, 1, 60 * time.Second}
	tierLong     = sendTier{2 * time.Hour, 1, 300 * time.Second}
	tierExtended = sendTier{4 * time.Hour, 1, 300 * time.Second}

	// Manual full-sync runs with a longer leash than the scheduled one.
	tierManualFullSync = sendTier{6 * time.Hour, 1, 300 * time.Second}
)

func (t sendTier) options() queue.SendOptions {
	return queue.SendOptions{
		ExpireInSeconds: int(t.expireIn.Seconds()),
		RetryLimit:      t.retryLimit,
		RetryDelay:      int(t.retryDelay.Seconds()),
	}
}

// jobDef is one catalog entry: queue name, default cadence, send options,
// and whether enqueues carry a per-server singleton key.
type jobDef struct {
	key         JobKey
	kind        jobKind
	queueName   string
	defaultCron string
	tier        sendTier
	singleton   bool
}

// catalog is the closed JobKey set, in reconcile order.
var catalog = []jobDef{
	{key: JobActivitySync, kind: kindCron, queueName: "activity-sync", defaultCron: "*/15 * * * *", tier: tierStandard},
	{key: JobRecentItemsSync, kind: kindCron, queueName: "recent-items-sync", defaultCron: "*/30 * * * *", tier: tierStandard},
	{key: JobUserSync, kind: kindCron, queueName: "user-sync", defaultCron: "0 */6 * * *", tier: tierMedium},
	{key: JobPeopleSync, kind: kindCron, queueName: "people-sync", defaultCron: "0 2 * * *", tier: tierLong, singleton: true},
	{key: JobEmbeddingsSync, kind: kindCron, queueName: QueueEmbeddings, defaultCron: "0 4 * * *", tier: tierExtended},
	{key: JobFullSync, kind: kindCron, queueName: "full-sync", defaultCron: "0 3 * * 0", tier: tierExtended},
	{key: JobGeolocationSync, kind: kindCron, queueName: QueueGeolocate, defaultCron: "*/30 * * * *", tier: tierStandard, singleton: true},
	{key: JobFingerprintSync, kind: kindCron, queueName: QueueFingerprints, defaultCron: "0 5 * * *", tier: tierMedium, singleton: true},
	{key: JobSessionPolling, kind: kindInterval},
}

var catalogByKey = func() map[JobKey]jobDef {
	m := make(map[JobKey]jobDef, len(catalog))
	for _, def := range catalog {
		m[def.key] = def
	}
	return m
}()

// KnownJobKey reports whether key is in the catalog.
func KnownJobKey(key string) bool {
	_, ok := catalogByKey[JobKey(key)]
	return ok
}

// cronJobs returns the cron-tagged catalog entries in order.
func cronJobs() []jobDef {
	defs := make([]jobDef, 0, len(catalog))
	for _, def := range catalog {
		if def.kind == kindCron {
			defs = append(defs, def)
		}
	}
	return defs
}

// jobPayload is the common payload shape; the queue's CancelJobsByName
// matches on the serverId field.
type jobPayload struct {
	ServerID  int64 `json:"serverId"`
	BatchSize int   `json:"batchSize,omitempty"`
}

// buildPayload produces the enqueue payload for one (server, jobKey).
func buildPayload(serverID int64, key JobKey) jobPayload {
	switch key {
	case JobGeolocationSync:
		return jobPayload{ServerID: serverID, BatchSize: 100}
	default:
		return jobPayload{ServerID: serverID}
	}
}

// sendOptionsFor returns the enqueue options for one (server, jobKey),
// including the per-server singleton key where the catalog demands one.
func sendOptionsFor(serverID int64, def jobDef) queue.SendOptions {
	opts := def.tier.options()
	if def.singleton {
		opts.SingletonKey = fmt.Sprintf("%s-%d", def.queueName, serverID)
	}
	return opts
}

// scheduleKey is the schedule-row key for one server on any queue.
func scheduleKey(serverID int64) string {
	return fmt.Sprintf("server-%d", serverID)
}

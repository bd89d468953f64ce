// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package metrics defines the Prometheus collectors shared across the
// ingestion core. Collectors are registered on the default registry so the
// /metrics endpoint can use the stock promhttp handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts queue jobs by queue name and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "queue",
		Name:      "jobs_processed_total",
		Help:      "Queue jobs processed, by queue and outcome.",
	}, []string{"queue", "outcome"})

	// JobDuration observes handler batch duration per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "playlens",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Handler batch duration, by queue.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"queue"})

	// PollCycles counts session poller cycles by outcome.
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Session polling cycles, by outcome.",
	}, []string{"outcome"})

	// PollCycleDuration observes full poll cycle duration.
	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "playlens",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one full polling cycle across servers.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// ActiveSessions tracks currently tracked sessions per server.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "playlens",
		Subsystem: "poller",
		Name:      "active_sessions",
		Help:      "Sessions currently tracked, by server.",
	}, []string{"server"})

	// SessionsFinalized counts persisted playback sessions per server.
	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "poller",
		Name:      "sessions_finalized_total",
		Help:      "Playback sessions finalized and persisted, by server.",
	}, []string{"server"})

	// ActivitiesIngested counts upstream activity entries stored per server.
	ActivitiesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "ingest",
		Name:      "activities_total",
		Help:      "Activity log entries ingested, by server.",
	}, []string{"server"})

	// GeolocationLookups counts resolver calls by outcome.
	GeolocationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "geo",
		Name:      "lookups_total",
		Help:      "Geolocation resolver lookups, by outcome.",
	}, []string{"outcome"})

	// AnomaliesDetected counts anomaly events by type.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "geo",
		Name:      "anomalies_total",
		Help:      "Anomaly events detected, by type.",
	}, []string{"type"})

	// UpstreamRequests counts UMS API calls by server and outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playlens",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream media server API requests, by server and outcome.",
	}, []string{"server", "outcome"})

	// EventSubscribers tracks connected event stream clients.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "playlens",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Connected event stream subscribers.",
	})
)

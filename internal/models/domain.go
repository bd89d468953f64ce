// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package models

import "time"

// SyncStatus is the lifecycle state of a server sync.
type SyncStatus string

// Sync statuses.
const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// Server is an upstream media server observed by Playlens.
// Invariant: SyncStatus == syncing implies LastSyncStarted is set; a row in
// syncing state older than 30 minutes is stale and is reset by maintenance.
type Server struct {
	ID           int64
	Name         string
	URL          string
	APIKey       string
	UpstreamID   string // empty until the first system-info call succeeds
	SyncStatus   SyncStatus
	SyncProgress string // step name, or "completed"
	SyncError    string

	LastSyncStarted   *time.Time
	LastSyncCompleted *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServerJobConfig is a per-server override for one scheduled job. An absent
// row means enabled with catalog defaults. Exactly one of CronExpression and
// IntervalSeconds is meaningful, depending on how the job key is tagged.
type ServerJobConfig struct {
	ServerID        int64
	JobKey          string
	Enabled         *bool
	CronExpression  *string
	IntervalSeconds *int
	UpdatedAt       time.Time
}

// User is a locally-known upstream user, keyed by the upstream user id.
type User struct {
	ID         string // upstream user id
	ServerID   int64
	Name       string
	LastSeenAt time.Time
}

// Activity is one ingested upstream activity-log entry. The primary key is
// the upstream activity id.
type Activity struct {
	ID            int64
	ServerID      int64
	Name          string
	ShortOverview string
	Type          string
	Date          time.Time
	Severity      string
	UserID        *string // nil when the upstream user is unknown locally
	ItemID        *string
	CreatedAt     time.Time
}

// ActivityLogCursor is the per-server high-water mark of the ingested
// activity log. It never moves backward.
type ActivityLogCursor struct {
	ServerID   int64
	CursorDate time.Time
	CursorID   *int64
	UpdatedAt  time.Time
}

// ActivityLocation is the resolved geolocation of one activity, 1:1 with
// Activity. A row with IPAddress "unknown" marks an activity that mentioned
// an IP the extractor could not parse, so it never re-enters the queue.
type ActivityLocation struct {
	ActivityID  int64
	IPAddress   string
	CountryCode *string
	Country     *string
	Region      *string
	City        *string
	Latitude    *float64
	Longitude   *float64
	Timezone    *string
	IsPrivateIP bool
	CreatedAt   time.Time
}

// Geolocation is a resolver result, before being attached to an activity.
type Geolocation struct {
	IPAddress   string
	CountryCode string
	Country     string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	Timezone    string
	IsPrivateIP bool
}

// UserFingerprint is the per-(server,user) behavioral baseline used for
// anomaly detection. The known sets hold normalized (lower-case, trimmed)
// values and are append-only outside the full recompute job.
type UserFingerprint struct {
	UserID   string
	ServerID int64

	KnownCountries []string
	KnownCities    []string
	KnownDeviceIDs []string
	KnownClients   []string

	LocationPatterns map[string]int // "country:city" -> occurrences
	DevicePatterns   map[string]int
	HourHistogram    [24]int
	AvgSessionsPerDay float64
	TotalSessions     int

	LastCalculatedAt time.Time
}

// AnomalyType classifies an anomaly event.
type AnomalyType string

// Anomaly types.
const (
	AnomalyImpossibleTravel AnomalyType = "impossible_travel"
	AnomalyNewCountry       AnomalyType = "new_country"
	AnomalyNewLocation      AnomalyType = "new_location"
	AnomalyNewDevice        AnomalyType = "new_device"
)

// AnomalySeverity ranks anomaly events.
type AnomalySeverity string

// Anomaly severities.
const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// AnomalyDetails carries the structured context of an anomaly event.
type AnomalyDetails struct {
	PreviousLocation string  `json:"previousLocation,omitempty"`
	CurrentLocation  string  `json:"currentLocation,omitempty"`
	DeviceName       string  `json:"deviceName,omitempty"`
	DeviceID         string  `json:"deviceId,omitempty"`
	DistanceKm       float64 `json:"distanceKm,omitempty"`
	SpeedKmh         float64 `json:"speedKmh,omitempty"`
	TimeDiffMinutes  float64 `json:"timeDiffMinutes,omitempty"`
}

// AnomalyEvent is one detected anomaly for an activity. At most one
// unresolved impossible-travel event exists per (user, activity); resolution
// is one-way except via explicit admin action.
type AnomalyEvent struct {
	ID         int64
	ServerID   int64
	UserID     string
	ActivityID int64
	Type       AnomalyType
	Severity   AnomalySeverity
	Details    AnomalyDetails
	Resolved   bool
	DetectedAt time.Time
	ResolvedAt *time.Time
}

// PlaybackSession is a finalized playback history record. ID is a stable
// composite so double-finalization is a no-op.
type PlaybackSession struct {
	ID       string
	ServerID int64

	UserID          *string
	UserServerID    string // upstream user id as reported, even if unknown locally
	UserName        string
	DeviceID        string
	DeviceName      string
	ClientName      string
	RemoteEndPoint  string

	ItemID     string
	ItemName   string
	ItemType   string
	SeriesID   string
	SeriesName string
	SeasonID   string

	StartTime time.Time
	EndTime   time.Time

	PlayDuration    int // seconds of actual (unpaused) playback
	PositionTicks   int64
	RuntimeTicks    int64
	PercentComplete float64
	Completed       bool

	PlayMethod   string
	IsPaused     bool
	IsTranscoded bool

	TranscodingAudioCodec *string
	TranscodingVideoCodec *string
	TranscodingContainer  *string
	TranscodeReasons      []string

	RawData []byte // serialized tracked session, kept for diagnostics
}

// JobResult is the durable progress/result record of an opaque job handler
// (embeddings, people sync, deleted-items reconciliation).
type JobResult struct {
	ID             string
	ServerID       int64
	JobName        string
	Status         string // processing, completed, failed
	Result         []byte // JSON payload, may embed a heartbeat timestamp
	ProcessingTime int    // seconds
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"fmt"
)

// schemaStatements is the domain schema, applied idempotently on startup.
// The job queue owns its own schema under the playlens_queue namespace; see
// internal/queue.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id               BIGSERIAL PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		url              TEXT NOT NULL,
		api_key          TEXT NOT NULL,
		upstream_id      TEXT NOT NULL DEFAULT '',
		sync_status      TEXT NOT NULL DEFAULT 'pending',
		sync_progress    TEXT NOT NULL DEFAULT '',
		sync_error       TEXT NOT NULL DEFAULT '',
		last_sync_started   TIMESTAMPTZ,
		last_sync_completed TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS server_job_configurations (
		server_id        BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		job_key          TEXT NOT NULL,
		enabled          BOOLEAN,
		cron_expression  TEXT,
		interval_seconds INTEGER,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (server_id, job_key)
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT NOT NULL,
		server_id    BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name         TEXT NOT NULL DEFAULT '',
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (id, server_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		server_id         BIGINT NOT NULL,
		user_id           TEXT,
		user_server_id    TEXT NOT NULL DEFAULT '',
		user_name         TEXT NOT NULL DEFAULT '',
		device_id         TEXT NOT NULL DEFAULT '',
		device_name       TEXT NOT NULL DEFAULT '',
		client_name       TEXT NOT NULL DEFAULT '',
		remote_end_point  TEXT NOT NULL DEFAULT '',
		item_id           TEXT NOT NULL DEFAULT '',
		item_name         TEXT NOT NULL DEFAULT '',
		item_type         TEXT NOT NULL DEFAULT '',
		series_id         TEXT NOT NULL DEFAULT '',
		series_name       TEXT NOT NULL DEFAULT '',
		season_id         TEXT NOT NULL DEFAULT '',
		start_time        TIMESTAMPTZ NOT NULL,
		end_time          TIMESTAMPTZ NOT NULL,
		play_duration     INTEGER NOT NULL DEFAULT 0,
		position_ticks    BIGINT NOT NULL DEFAULT 0,
		runtime_ticks     BIGINT NOT NULL DEFAULT 0,
		percent_complete  DOUBLE PRECISION NOT NULL DEFAULT 0,
		completed         BOOLEAN NOT NULL DEFAULT FALSE,
		play_method       TEXT NOT NULL DEFAULT '',
		is_paused         BOOLEAN NOT NULL DEFAULT FALSE,
		is_transcoded     BOOLEAN NOT NULL DEFAULT FALSE,
		transcoding_audio_codec TEXT,
		transcoding_video_codec TEXT,
		transcoding_container   TEXT,
		transcode_reasons TEXT[],
		raw_data          JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_server_start_idx
		ON sessions (server_id, start_time DESC)`,

	`CREATE TABLE IF NOT EXISTS active_sessions (
		server_id    BIGINT NOT NULL,
		session_key  TEXT NOT NULL,
		payload      JSONB NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (server_id, session_key)
	)`,

	`CREATE TABLE IF NOT EXISTS activities (
		id             BIGINT PRIMARY KEY,
		server_id      BIGINT NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		short_overview TEXT NOT NULL DEFAULT '',
		type           TEXT NOT NULL DEFAULT '',
		date           TIMESTAMPTZ NOT NULL,
		severity       TEXT NOT NULL DEFAULT '',
		user_id        TEXT,
		item_id        TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS activities_server_date_idx
		ON activities (server_id, date DESC)`,
	// Partial index keeps the geolocation sweep cheap: only rows that still
	// need processing and mention an IP are indexed.
	`CREATE INDEX IF NOT EXISTS activities_needs_geo_idx
		ON activities (server_id, id)
		WHERE short_overview LIKE '%IP%'`,

	`CREATE TABLE IF NOT EXISTS activity_log_cursors (
		server_id   BIGINT PRIMARY KEY,
		cursor_date TIMESTAMPTZ NOT NULL,
		cursor_id   BIGINT,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS activity_locations (
		activity_id  BIGINT NOT NULL UNIQUE,
		ip_address   TEXT NOT NULL,
		country_code TEXT,
		country      TEXT,
		region       TEXT,
		city         TEXT,
		latitude     DOUBLE PRECISION,
		longitude    DOUBLE PRECISION,
		timezone     TEXT,
		is_private_ip BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS user_fingerprints (
		user_id             TEXT NOT NULL,
		server_id           BIGINT NOT NULL,
		known_countries     TEXT[] NOT NULL DEFAULT '{}',
		known_cities        TEXT[] NOT NULL DEFAULT '{}',
		known_device_ids    TEXT[] NOT NULL DEFAULT '{}',
		known_clients       TEXT[] NOT NULL DEFAULT '{}',
		location_patterns   JSONB NOT NULL DEFAULT '{}',
		device_patterns     JSONB NOT NULL DEFAULT '{}',
		hour_histogram      JSONB NOT NULL DEFAULT '[]',
		avg_sessions_per_day DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_sessions      INTEGER NOT NULL DEFAULT 0,
		last_calculated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, server_id)
	)`,

	`CREATE TABLE IF NOT EXISTS anomaly_events (
		id          BIGSERIAL PRIMARY KEY,
		server_id   BIGINT NOT NULL,
		user_id     TEXT NOT NULL,
		activity_id BIGINT NOT NULL,
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		details     JSONB NOT NULL DEFAULT '{}',
		resolved    BOOLEAN NOT NULL DEFAULT FALSE,
		detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	)`,
	// At most one unresolved impossible-travel anomaly per (user, activity).
	`CREATE UNIQUE INDEX IF NOT EXISTS anomaly_events_travel_unresolved_idx
		ON anomaly_events (user_id, activity_id)
		WHERE type = 'impossible_travel' AND NOT resolved`,

	`CREATE TABLE IF NOT EXISTS job_results (
		id              TEXT PRIMARY KEY,
		server_id       BIGINT NOT NULL,
		job_name        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'processing',
		result          JSONB,
		processing_time INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS job_results_status_idx
		ON job_results (job_name, status, updated_at)`,
}

// bootstrapSchema applies the domain schema. Every statement is idempotent
// so repeated startups are safe.
func (d *DB) bootstrapSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

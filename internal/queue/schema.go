// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package queue

import (
	"context"
	"fmt"

	"github.com/playlens/playlens/internal/logging"
)

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS playlens_queue`,
	`CREATE TABLE IF NOT EXISTS playlens_queue.queue (
		name TEXT PRIMARY KEY,
		retry_limit INTEGER NOT NULL DEFAULT 0,
		retry_delay INTEGER NOT NULL DEFAULT 0,
		retention_seconds INTEGER NOT NULL DEFAULT 0,
		created_on TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS playlens_queue.job (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'created',
		retry_limit INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_delay INTEGER NOT NULL DEFAULT 0,
		start_after TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_on TIMESTAMPTZ,
		completed_on TIMESTAMPTZ,
		singleton_key TEXT,
		expire_in_seconds INTEGER NOT NULL DEFAULT 900,
		retention_seconds INTEGER NOT NULL DEFAULT 1209600,
		output JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS job_fetch_idx
		ON playlens_queue.job (name, start_after)
		WHERE state IN ('created', 'retry')`,
	`CREATE UNIQUE INDEX IF NOT EXISTS job_singleton_idx
		ON playlens_queue.job (name, singleton_key)
		WHERE state IN ('created', 'retry', 'active') AND singleton_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS playlens_queue.schedule (
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		cron TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		options JSONB NOT NULL DEFAULT '{}',
		last_fired_on TIMESTAMPTZ,
		created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_on TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (name, key)
	)`,
}

// migrateSchema creates the queue schema, first discarding any legacy layout.
// Queue state is operational, not durable user data, so an incompatible
// schema is dropped rather than migrated in place.
func (s *Store) migrateSchema(ctx context.Context) error {
	var hasJob, hasQueue bool
	err := s.pool.QueryRow(ctx, `
		SELECT
			to_regclass('playlens_queue.job') IS NOT NULL,
			to_regclass('playlens_queue.queue') IS NOT NULL`).
		Scan(&hasJob, &hasQueue)
	if err != nil {
		return fmt.Errorf("inspect queue schema: %w", err)
	}

	if hasJob && !hasQueue {
		logging.Warn().
			Msg("Incompatible legacy queue schema detected, dropping and recreating; queued jobs are discarded")
		if _, err := s.pool.Exec(ctx, `DROP SCHEMA playlens_queue CASCADE`); err != nil {
			return fmt.Errorf("drop legacy queue schema: %w", err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("queue schema: %w", err)
		}
	}
	return nil
}

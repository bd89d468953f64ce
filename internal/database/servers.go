// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/playlens/playlens/internal/models"
)

// staleSyncAge is the age past which a server stuck in syncing state is
// considered abandoned.
const staleSyncAge = 30 * time.Minute

const serverColumns = `id, name, url, api_key, upstream_id, sync_status, sync_progress,
	sync_error, last_sync_started, last_sync_completed, created_at, updated_at`

func scanServer(row pgx.Row) (*models.Server, error) {
	var s models.Server
	err := row.Scan(&s.ID, &s.Name, &s.URL, &s.APIKey, &s.UpstreamID, &s.SyncStatus,
		&s.SyncProgress, &s.SyncError, &s.LastSyncStarted, &s.LastSyncCompleted,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return &s, nil
}

// ListServers returns all registered servers.
func (d *DB) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// GetServer returns one server by id, or ErrNotFound.
func (d *DB) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	return scanServer(d.pool.QueryRow(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
}

// SetServerUpstreamID records the upstream id obtained from system info.
func (d *DB) SetServerUpstreamID(ctx context.Context, id int64, upstreamID string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE servers SET upstream_id = $2, updated_at = now() WHERE id = $1`,
		id, upstreamID)
	if err != nil {
		return fmt.Errorf("set upstream id: %w", err)
	}
	return nil
}

// UpdateServerSyncStatus transitions a server's sync state. lastSyncStarted
// is set when entering syncing; lastSyncCompleted when entering completed.
func (d *DB) UpdateServerSyncStatus(ctx context.Context, id int64, status models.SyncStatus, progress, syncErr string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE servers SET
			sync_status = $2,
			sync_progress = $3,
			sync_error = $4,
			last_sync_started = CASE WHEN $2 = 'syncing' THEN now() ELSE last_sync_started END,
			last_sync_completed = CASE WHEN $2 = 'completed' THEN now() ELSE last_sync_completed END,
			updated_at = now()
		WHERE id = $1`,
		id, string(status), progress, syncErr)
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	return nil
}

// SetServerSyncError records a sync error without touching the sync status.
// Used for persistent upstream failures surfaced while polling continues.
func (d *DB) SetServerSyncError(ctx context.Context, id int64, syncErr string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE servers SET sync_error = $2, updated_at = now() WHERE id = $1`,
		id, syncErr)
	if err != nil {
		return fmt.Errorf("set sync error: %w", err)
	}
	return nil
}

// ResetSyncingServers resets every server left in syncing state back to
// pending, clearing the sync error. Run once at scheduler startup; returns
// the number of servers reset.
func (d *DB) ResetSyncingServers(ctx context.Context) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE servers
		SET sync_status = 'pending', sync_error = '', updated_at = now()
		WHERE sync_status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("reset syncing servers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStaleSyncingServers marks servers stuck in syncing for longer than
// staleSyncAge (or with no recorded start) as failed, with an explanatory
// error. Run every maintenance tick; returns the ids that were reset.
func (d *DB) FailStaleSyncingServers(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `
		UPDATE servers
		SET sync_status = 'failed',
			sync_error = 'Sync timed out after 30 minutes and was reset by maintenance',
			updated_at = now()
		WHERE sync_status = 'syncing'
			AND (last_sync_started IS NULL OR last_sync_started < now() - interval '30 minutes')
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("fail stale syncing servers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan server id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ServersWithoutUpstreamID returns the ids of servers whose upstream id has
// not been backfilled yet.
func (d *DB) ServersWithoutUpstreamID(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM servers WHERE upstream_id = ''`)
	if err != nil {
		return nil, fmt.Errorf("servers without upstream id: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan server id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListJobConfigs returns every per-server job override.
func (d *DB) ListJobConfigs(ctx context.Context) ([]models.ServerJobConfig, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT server_id, job_key, enabled, cron_expression, interval_seconds, updated_at
		FROM server_job_configurations`)
	if err != nil {
		return nil, fmt.Errorf("list job configs: %w", err)
	}
	defer rows.Close()

	var configs []models.ServerJobConfig
	for rows.Next() {
		var c models.ServerJobConfig
		if err := rows.Scan(&c.ServerID, &c.JobKey, &c.Enabled, &c.CronExpression,
			&c.IntervalSeconds, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// ListJobConfigsForServer returns the overrides for one server.
func (d *DB) ListJobConfigsForServer(ctx context.Context, serverID int64) ([]models.ServerJobConfig, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT server_id, job_key, enabled, cron_expression, interval_seconds, updated_at
		FROM server_job_configurations WHERE server_id = $1`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list job configs for server: %w", err)
	}
	defer rows.Close()

	var configs []models.ServerJobConfig
	for rows.Next() {
		var c models.ServerJobConfig
		if err := rows.Scan(&c.ServerID, &c.JobKey, &c.Enabled, &c.CronExpression,
			&c.IntervalSeconds, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// UpsertJobConfig stores one per-server job override.
func (d *DB) UpsertJobConfig(ctx context.Context, c models.ServerJobConfig) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO server_job_configurations
			(server_id, job_key, enabled, cron_expression, interval_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (server_id, job_key) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			cron_expression = EXCLUDED.cron_expression,
			interval_seconds = EXCLUDED.interval_seconds,
			updated_at = now()`,
		c.ServerID, c.JobKey, c.Enabled, c.CronExpression, c.IntervalSeconds)
	if err != nil {
		return fmt.Errorf("upsert job config: %w", err)
	}
	return nil
}

// KnownUserIDs filters the given upstream user ids down to those present in
// the local users table for the server. Used by the activity ingestor to
// keep the user FK valid.
func (d *DB) KnownUserIDs(ctx context.Context, serverID int64, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id FROM users WHERE server_id = $1 AND id = ANY($2)`, serverID, ids)
	if err != nil {
		return nil, fmt.Errorf("known user ids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		known[id] = true
	}
	return known, rows.Err()
}

// UpsertUsers records upstream users locally.
func (d *DB) UpsertUsers(ctx context.Context, serverID int64, users []models.UMSUser) error {
	for _, u := range users {
		if _, err := d.pool.Exec(ctx, `
			INSERT INTO users (id, server_id, name, last_seen_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (id, server_id) DO UPDATE SET name = EXCLUDED.name, last_seen_at = now()`,
			u.ID, serverID, u.Name); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	return nil
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/playlens/playlens/internal/models"
)

// UpsertActivities writes a batch of ingested activity-log entries. The
// upstream payload is authoritative, so conflicts update every column.
func (d *DB) UpsertActivities(ctx context.Context, activities []models.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		for _, a := range activities {
			if _, err := tx.Exec(ctx, `
				INSERT INTO activities (id, server_id, name, short_overview, type, date, severity, user_id, item_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					server_id = EXCLUDED.server_id,
					name = EXCLUDED.name,
					short_overview = EXCLUDED.short_overview,
					type = EXCLUDED.type,
					date = EXCLUDED.date,
					severity = EXCLUDED.severity,
					user_id = EXCLUDED.user_id,
					item_id = EXCLUDED.item_id`,
				a.ID, a.ServerID, a.Name, a.ShortOverview, a.Type, a.Date, a.Severity,
				a.UserID, a.ItemID); err != nil {
				return fmt.Errorf("upsert activity %d: %w", a.ID, err)
			}
		}
		return nil
	})
}

// GetActivityCursor returns the per-server activity log cursor, or
// ErrNotFound before first contact.
func (d *DB) GetActivityCursor(ctx context.Context, serverID int64) (*models.ActivityLogCursor, error) {
	var c models.ActivityLogCursor
	err := d.pool.QueryRow(ctx, `
		SELECT server_id, cursor_date, cursor_id, updated_at
		FROM activity_log_cursors WHERE server_id = $1`, serverID).
		Scan(&c.ServerID, &c.CursorDate, &c.CursorID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get activity cursor: %w", err)
	}
	return &c, nil
}

// AdvanceActivityCursor persists a new cursor position. The guard keeps the
// cursor monotone even if two writers race: an older date never replaces a
// newer one.
func (d *DB) AdvanceActivityCursor(ctx context.Context, c models.ActivityLogCursor) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO activity_log_cursors (server_id, cursor_date, cursor_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (server_id) DO UPDATE SET
			cursor_date = EXCLUDED.cursor_date,
			cursor_id = EXCLUDED.cursor_id,
			updated_at = now()
		WHERE activity_log_cursors.cursor_date <= EXCLUDED.cursor_date`,
		c.ServerID, c.CursorDate, c.CursorID)
	if err != nil {
		return fmt.Errorf("advance activity cursor: %w", err)
	}
	return nil
}

// ListUnlocatedActivities returns up to limit activities for a server that
// mention an IP in their overview and have no activity_locations row yet.
func (d *DB) ListUnlocatedActivities(ctx context.Context, serverID int64, limit int) ([]models.Activity, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT a.id, a.server_id, a.name, a.short_overview, a.type, a.date, a.severity,
			a.user_id, a.item_id, a.created_at
		FROM activities a
		LEFT JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = $1
			AND a.short_overview LIKE '%IP%'
			AND l.activity_id IS NULL
		ORDER BY a.date ASC
		LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unlocated activities: %w", err)
	}
	defer rows.Close()

	var activities []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.ServerID, &a.Name, &a.ShortOverview, &a.Type,
			&a.Date, &a.Severity, &a.UserID, &a.ItemID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// ActivityUserIDs returns the distinct users with at least one activity on
// the server, for the fingerprint recompute job.
func (d *DB) ActivityUserIDs(ctx context.Context, serverID int64) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM activities
		WHERE server_id = $1 AND user_id IS NOT NULL`, serverID)
	if err != nil {
		return nil, fmt.Errorf("activity user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LocatedActivity joins an activity with its resolved location, used by the
// fingerprint recompute job.
type LocatedActivity struct {
	Activity models.Activity
	Location models.ActivityLocation
}

// ListLocatedActivitiesForUser returns all public-IP geolocated activities
// of one user on one server, oldest first.
func (d *DB) ListLocatedActivitiesForUser(ctx context.Context, serverID int64, userID string) ([]LocatedActivity, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT a.id, a.server_id, a.name, a.short_overview, a.type, a.date, a.severity,
			a.user_id, a.item_id, a.created_at,
			l.activity_id, l.ip_address, l.country_code, l.country, l.region, l.city,
			l.latitude, l.longitude, l.timezone, l.is_private_ip, l.created_at
		FROM activities a
		JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = $1 AND a.user_id = $2 AND NOT l.is_private_ip
		ORDER BY a.date ASC`, serverID, userID)
	if err != nil {
		return nil, fmt.Errorf("list located activities: %w", err)
	}
	defer rows.Close()

	var result []LocatedActivity
	for rows.Next() {
		var la LocatedActivity
		if err := rows.Scan(
			&la.Activity.ID, &la.Activity.ServerID, &la.Activity.Name,
			&la.Activity.ShortOverview, &la.Activity.Type, &la.Activity.Date,
			&la.Activity.Severity, &la.Activity.UserID, &la.Activity.ItemID,
			&la.Activity.CreatedAt,
			&la.Location.ActivityID, &la.Location.IPAddress, &la.Location.CountryCode,
			&la.Location.Country, &la.Location.Region, &la.Location.City,
			&la.Location.Latitude, &la.Location.Longitude, &la.Location.Timezone,
			&la.Location.IsPrivateIP, &la.Location.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan located activity: %w", err)
		}
		result = append(result, la)
	}
	return result, rows.Err()
}

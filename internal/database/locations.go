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

// InsertActivityLocations writes a batch of resolved locations. Conflicts
// are ignored: the first resolution of an activity wins.
func (d *DB) InsertActivityLocations(ctx context.Context, locations []models.ActivityLocation) error {
	if len(locations) == 0 {
		return nil
	}
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		for _, l := range locations {
			if _, err := tx.Exec(ctx, `
				INSERT INTO activity_locations (
					activity_id, ip_address, country_code, country, region, city,
					latitude, longitude, timezone, is_private_ip
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (activity_id) DO NOTHING`,
				l.ActivityID, l.IPAddress, l.CountryCode, l.Country, l.Region, l.City,
				l.Latitude, l.Longitude, l.Timezone, l.IsPrivateIP); err != nil {
				return fmt.Errorf("insert activity location %d: %w", l.ActivityID, err)
			}
		}
		return nil
	})
}

// PreviousLocation is the most recent non-private geolocated activity of a
// user before the one under evaluation, used for the impossible-travel check.
type PreviousLocation struct {
	ActivityID int64
	Date       time.Time
	Country    *string
	City       *string
	Latitude   *float64
	Longitude  *float64
}

// LastPublicLocation returns the user's most recent non-private geolocated
// activity, excluding the given activity, or ErrNotFound.
func (d *DB) LastPublicLocation(ctx context.Context, serverID int64, userID string, excludeActivityID int64) (*PreviousLocation, error) {
	var p PreviousLocation
	err := d.pool.QueryRow(ctx, `
		SELECT a.id, a.date, l.country, l.city, l.latitude, l.longitude
		FROM activities a
		JOIN activity_locations l ON l.activity_id = a.id
		WHERE a.server_id = $1 AND a.user_id = $2 AND a.id <> $3 AND NOT l.is_private_ip
		ORDER BY a.date DESC
		LIMIT 1`, serverID, userID, excludeActivityID).
		Scan(&p.ActivityID, &p.Date, &p.Country, &p.City, &p.Latitude, &p.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last public location: %w", err)
	}
	return &p, nil
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/playlens/playlens/internal/models"
)

// InsertAnomalyEvents writes a batch of detected anomalies. The partial
// unique index on unresolved impossible-travel rows makes re-detection of
// the same (user, activity) a no-op.
func (d *DB) InsertAnomalyEvents(ctx context.Context, events []models.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range events {
			if err := insertAnomalyEvent(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAnomalyEvent(ctx context.Context, tx pgx.Tx, e *models.AnomalyEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode anomaly details: %w", err)
	}

	// ON CONFLICT against a partial unique index needs the matching WHERE.
	if e.Type == models.AnomalyImpossibleTravel {
		_, err = tx.Exec(ctx, `
			INSERT INTO anomaly_events (server_id, user_id, activity_id, type, severity, details, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, activity_id) WHERE type = 'impossible_travel' AND NOT resolved
			DO NOTHING`,
			e.ServerID, e.UserID, e.ActivityID, string(e.Type), string(e.Severity), details)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO anomaly_events (server_id, user_id, activity_id, type, severity, details, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())`,
			e.ServerID, e.UserID, e.ActivityID, string(e.Type), string(e.Severity), details)
	}
	if err != nil {
		return fmt.Errorf("insert anomaly event: %w", err)
	}
	return nil
}

// SetAnomalyResolved flips the resolution state of an anomaly. Resolution is
// normally one-way; unresolve exists for explicit admin action only.
func (d *DB) SetAnomalyResolved(ctx context.Context, id int64, resolved bool) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE anomaly_events SET
			resolved = $2,
			resolved_at = CASE WHEN $2 THEN now() ELSE NULL END
		WHERE id = $1`, id, resolved)
	if err != nil {
		return fmt.Errorf("set anomaly resolved: %w", err)
	}
	return nil
}

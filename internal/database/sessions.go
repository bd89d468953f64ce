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

// InsertPlaybackSession inserts a finalized playback session. The id is a
// stable composite, so re-inserting the same finalized session is a no-op;
// returns true when a row was actually written.
func (d *DB) InsertPlaybackSession(ctx context.Context, s *models.PlaybackSession) (bool, error) {
	var inserted bool
	err := d.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sessions (
				id, server_id, user_id, user_server_id, user_name,
				device_id, device_name, client_name, remote_end_point,
				item_id, item_name, item_type, series_id, series_name, season_id,
				start_time, end_time, play_duration,
				position_ticks, runtime_ticks, percent_complete, completed,
				play_method, is_paused, is_transcoded,
				transcoding_audio_codec, transcoding_video_codec, transcoding_container,
				transcode_reasons, raw_data
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
				$21, $22, $23, $24, $25, $26, $27, $28, $29, $30
			)
			ON CONFLICT (id) DO NOTHING`,
			s.ID, s.ServerID, s.UserID, s.UserServerID, s.UserName,
			s.DeviceID, s.DeviceName, s.ClientName, s.RemoteEndPoint,
			s.ItemID, s.ItemName, s.ItemType, s.SeriesID, s.SeriesName, s.SeasonID,
			s.StartTime, s.EndTime, s.PlayDuration,
			s.PositionTicks, s.RuntimeTicks, s.PercentComplete, s.Completed,
			s.PlayMethod, s.IsPaused, s.IsTranscoded,
			s.TranscodingAudioCodec, s.TranscodingVideoCodec, s.TranscodingContainer,
			s.TranscodeReasons, s.RawData)
		if err != nil {
			return fmt.Errorf("insert playback session: %w", err)
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	return inserted, err
}

// LastSessionDeviceName returns the device name of the user's most recent
// finalized session, or ErrNotFound. Feeds new-device detection when an
// activity's text carries no device segment.
func (d *DB) LastSessionDeviceName(ctx context.Context, serverID int64, userID string) (string, error) {
	var name string
	err := d.pool.QueryRow(ctx, `
		SELECT device_name FROM sessions
		WHERE server_id = $1 AND user_id = $2 AND device_name <> ''
		ORDER BY start_time DESC
		LIMIT 1`, serverID, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("last session device name: %w", err)
	}
	return name, nil
}

// ActiveSessionRow is one persisted open session.
type ActiveSessionRow struct {
	ServerID   int64
	SessionKey string
	Payload    []byte
}

// ReplaceActiveSessions upserts the current open set for a server and
// deletes rows whose session key is no longer open, in one transaction.
func (d *DB) ReplaceActiveSessions(ctx context.Context, serverID int64, open []ActiveSessionRow) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		keys := make([]string, 0, len(open))
		for _, row := range open {
			keys = append(keys, row.SessionKey)
			if _, err := tx.Exec(ctx, `
				INSERT INTO active_sessions (server_id, session_key, payload, last_seen_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
				ON CONFLICT (server_id, session_key) DO UPDATE SET
					payload = EXCLUDED.payload,
					last_seen_at = now(),
					updated_at = now()`,
				row.ServerID, row.SessionKey, row.Payload); err != nil {
				return fmt.Errorf("upsert active session %s: %w", row.SessionKey, err)
			}
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM active_sessions
			WHERE server_id = $1 AND NOT (session_key = ANY($2))`,
			serverID, keys); err != nil {
			return fmt.Errorf("prune closed sessions: %w", err)
		}
		return nil
	})
}

// ListActiveSessions returns all persisted open sessions, used to rebuild
// the in-memory tracking map after a restart.
func (d *DB) ListActiveSessions(ctx context.Context) ([]ActiveSessionRow, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT server_id, session_key, payload FROM active_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var result []ActiveSessionRow
	for rows.Next() {
		var r ActiveSessionRow
		if err := rows.Scan(&r.ServerID, &r.SessionKey, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan active session: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ClearActiveSessions removes every persisted open session. Called on
// shutdown after all tracked sessions have been finalized.
func (d *DB) ClearActiveSessions(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM active_sessions`); err != nil {
		return fmt.Errorf("clear active sessions: %w", err)
	}
	return nil
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/playlens/playlens/internal/models"
)

// GetUserFingerprint returns the behavioral baseline for one (server, user),
// or ErrNotFound before the first observation.
func (d *DB) GetUserFingerprint(ctx context.Context, serverID int64, userID string) (*models.UserFingerprint, error) {
	var (
		fp            models.UserFingerprint
		locPatterns   []byte
		devPatterns   []byte
		hourHistogram []byte
	)
	err := d.pool.QueryRow(ctx, `
		SELECT user_id, server_id, known_countries, known_cities, known_device_ids,
			known_clients, location_patterns, device_patterns, hour_histogram,
			avg_sessions_per_day, total_sessions, last_calculated_at
		FROM user_fingerprints WHERE server_id = $1 AND user_id = $2`,
		serverID, userID).
		Scan(&fp.UserID, &fp.ServerID, &fp.KnownCountries, &fp.KnownCities,
			&fp.KnownDeviceIDs, &fp.KnownClients, &locPatterns, &devPatterns,
			&hourHistogram, &fp.AvgSessionsPerDay, &fp.TotalSessions, &fp.LastCalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user fingerprint: %w", err)
	}

	if err := json.Unmarshal(locPatterns, &fp.LocationPatterns); err != nil {
		return nil, fmt.Errorf("decode location patterns: %w", err)
	}
	if err := json.Unmarshal(devPatterns, &fp.DevicePatterns); err != nil {
		return nil, fmt.Errorf("decode device patterns: %w", err)
	}
	var hours []int
	if err := json.Unmarshal(hourHistogram, &hours); err != nil {
		return nil, fmt.Errorf("decode hour histogram: %w", err)
	}
	for i := 0; i < len(hours) && i < 24; i++ {
		fp.HourHistogram[i] = hours[i]
	}
	return &fp, nil
}

// SeedUserFingerprint creates a fingerprint from the first observation of a
// user. Does nothing if a fingerprint already exists.
func (d *DB) SeedUserFingerprint(ctx context.Context, tx pgx.Tx, fp *models.UserFingerprint) error {
	locPatterns, devPatterns, hours, err := encodeFingerprintJSON(fp)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO user_fingerprints (
			user_id, server_id, known_countries, known_cities, known_device_ids,
			known_clients, location_patterns, device_patterns, hour_histogram,
			avg_sessions_per_day, total_sessions, last_calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (user_id, server_id) DO NOTHING`,
		fp.UserID, fp.ServerID, fp.KnownCountries, fp.KnownCities, fp.KnownDeviceIDs,
		fp.KnownClients, locPatterns, devPatterns, hours,
		fp.AvgSessionsPerDay, fp.TotalSessions)
	if err != nil {
		return fmt.Errorf("seed user fingerprint: %w", err)
	}
	return nil
}

// UpdateKnownSets replaces the known sets of an existing fingerprint inside
// the caller's transaction. The pipeline only ever appends to these sets;
// compaction happens in the full recompute.
func (d *DB) UpdateKnownSets(ctx context.Context, tx pgx.Tx, fp *models.UserFingerprint) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_fingerprints SET
			known_countries = $3,
			known_cities = $4,
			known_device_ids = $5,
			known_clients = $6
		WHERE user_id = $1 AND server_id = $2`,
		fp.UserID, fp.ServerID, fp.KnownCountries, fp.KnownCities,
		fp.KnownDeviceIDs, fp.KnownClients)
	if err != nil {
		return fmt.Errorf("update known sets: %w", err)
	}
	return nil
}

// UpsertUserFingerprint writes a fully recomputed fingerprint.
func (d *DB) UpsertUserFingerprint(ctx context.Context, fp *models.UserFingerprint) error {
	locPatterns, devPatterns, hours, err := encodeFingerprintJSON(fp)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO user_fingerprints (
			user_id, server_id, known_countries, known_cities, known_device_ids,
			known_clients, location_patterns, device_patterns, hour_histogram,
			avg_sessions_per_day, total_sessions, last_calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (user_id, server_id) DO UPDATE SET
			known_countries = EXCLUDED.known_countries,
			known_cities = EXCLUDED.known_cities,
			known_device_ids = EXCLUDED.known_device_ids,
			known_clients = EXCLUDED.known_clients,
			location_patterns = EXCLUDED.location_patterns,
			device_patterns = EXCLUDED.device_patterns,
			hour_histogram = EXCLUDED.hour_histogram,
			avg_sessions_per_day = EXCLUDED.avg_sessions_per_day,
			total_sessions = EXCLUDED.total_sessions,
			last_calculated_at = now()`,
		fp.UserID, fp.ServerID, fp.KnownCountries, fp.KnownCities, fp.KnownDeviceIDs,
		fp.KnownClients, locPatterns, devPatterns, hours,
		fp.AvgSessionsPerDay, fp.TotalSessions)
	if err != nil {
		return fmt.Errorf("upsert user fingerprint: %w", err)
	}
	return nil
}

// RecordAnomalies writes detected anomalies and the fingerprint's updated
// known sets in one transaction, so a burst of identical activities cannot
// observe the pre-update sets. seed creates the fingerprint from a first
// observation instead of updating it.
func (d *DB) RecordAnomalies(ctx context.Context, events []models.AnomalyEvent, fp *models.UserFingerprint, seed bool) error {
	return d.WithTx(ctx, func(tx pgx.Tx) error {
		for i := range events {
			if err := insertAnomalyEvent(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		if fp == nil {
			return nil
		}
		if seed {
			return d.SeedUserFingerprint(ctx, tx, fp)
		}
		return d.UpdateKnownSets(ctx, tx, fp)
	})
}

func encodeFingerprintJSON(fp *models.UserFingerprint) (locPatterns, devPatterns, hours []byte, err error) {
	if fp.LocationPatterns == nil {
		fp.LocationPatterns = map[string]int{}
	}
	if fp.DevicePatterns == nil {
		fp.DevicePatterns = map[string]int{}
	}
	locPatterns, err = json.Marshal(fp.LocationPatterns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode location patterns: %w", err)
	}
	devPatterns, err = json.Marshal(fp.DevicePatterns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode device patterns: %w", err)
	}
	hours, err = json.Marshal(fp.HourHistogram[:])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode hour histogram: %w", err)
	}
	return locPatterns, devPatterns, hours, nil
}

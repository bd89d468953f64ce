// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Schedule is one persisted cron row. The (name, key) pair is the identity:
// the same queue can carry one schedule per target.
type Schedule struct {
	Name        string
	Key         string
	Cron        string
	Data        []byte
	Options     SendOptions
	LastFiredOn *time.Time
	CreatedOn   time.Time
}

// Upserting an existing (name, key) replaces the cron expression, payload
// and send options in place; the fire history is preserved.
func (s *Store) Schedule(ctx context.Context, name, key, cronExpr string, payload any, opts SendOptions) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("schedule %s/%s: %w", name, key, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}
	options, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode schedule options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO playlens_queue.schedule (name, key, cron, data, options)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, key) DO UPDATE SET
			cron = EXCLUDED.cron,
			data = EXCLUDED.data,
			options = EXCLUDED.options,
			updated_on = now()`,
		name, key, cronExpr, data, options)
	if err != nil {
		return fmt.Errorf("schedule %s/%s: %w", name, key, err)
	}
	return nil
}

// Unschedule removes one schedule row. Removing an absent row is a no-op.
func (s *Store) Unschedule(ctx context.Context, name, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM playlens_queue.schedule WHERE name = $1 AND key = $2`, name, key)
	if err != nil {
		return fmt.Errorf("unschedule %s/%s: %w", name, key, err)
	}
	return nil
}

// ListSchedules returns every schedule row.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, key, cron, data, options, last_fired_on, created_on
		FROM playlens_queue.schedule`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		var (
			sc      Schedule
			options []byte
		)
		if err := rows.Scan(&sc.Name, &sc.Key, &sc.Cron, &sc.Data, &options,
			&sc.LastFiredOn, &sc.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := json.Unmarshal(options, &sc.Options); err != nil {
			return nil, fmt.Errorf("decode schedule options: %w", err)
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

// MarkScheduleFired records that a schedule fired, so a missed tick fires at
// most once on catch-up.
func (s *Store) MarkScheduleFired(ctx context.Context, name, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE playlens_queue.schedule SET last_fired_on = $3
		WHERE name = $1 AND key = $2`, name, key, at)
	if err != nil {
		return fmt.Errorf("mark schedule fired %s/%s: %w", name, key, err)
	}
	return nil
}

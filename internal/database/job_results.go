// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/playlens/playlens/internal/models"
)

// UpsertJobResult records opaque handler progress.
func (d *DB) UpsertJobResult(ctx context.Context, r *models.JobResult) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO job_results (id, server_id, job_name, status, result, processing_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			processing_time = EXCLUDED.processing_time,
			updated_at = now()`,
		r.ID, r.ServerID, r.JobName, r.Status, r.Result, r.ProcessingTime)
	if err != nil {
		return fmt.Errorf("upsert job result: %w", err)
	}
	return nil
}

// ListStaleProcessingResults returns job results of the given job name that
// have been in processing state for longer than age.
func (d *DB) ListStaleProcessingResults(ctx context.Context, jobName string, age time.Duration) ([]models.JobResult, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, server_id, job_name, status, result, processing_time, created_at, updated_at
		FROM job_results
		WHERE job_name = $1 AND status = 'processing' AND updated_at < now() - $2::interval`,
		jobName, age.String())
	if err != nil {
		return nil, fmt.Errorf("list stale processing results: %w", err)
	}
	defer rows.Close()

	var results []models.JobResult
	for rows.Next() {
		var r models.JobResult
		if err := rows.Scan(&r.ID, &r.ServerID, &r.JobName, &r.Status, &r.Result,
			&r.ProcessingTime, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// FailJobResult marks a stale result as failed with a capped processing time.
func (d *DB) FailJobResult(ctx context.Context, id string, processingTime int) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE job_results SET status = 'failed', processing_time = $2, updated_at = now()
		WHERE id = $1`, id, processingTime)
	if err != nil {
		return fmt.Errorf("fail job result: %w", err)
	}
	return nil
}

// PruneJobResults deletes result rows older than the retention window.
// Returns the number of rows removed.
func (d *DB) PruneJobResults(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := d.pool.Exec(ctx,
		`DELETE FROM job_results WHERE created_at < now() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("prune job results: %w", err)
	}
	return tag.RowsAffected(), nil
}

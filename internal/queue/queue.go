// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package queue implements the persistent job queue: named queues with
// per-job retry policy, expiry, singleton-key deduplication, cron schedule
// rows, and a fetch/work/complete protocol over PostgreSQL.
//
// The queue schema is operational state, not durable user data: an
// incompatible legacy schema found on open is dropped and recreated.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playlens/playlens/internal/logging"
)

// JobState is the lifecycle state of a queued job.
type JobState string

// Job states. State advances monotonically except via explicit cancel or a
// retry transition.
const (
	StateCreated   JobState = "created"
	StateRetry     JobState = "retry"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
	StateExpired   JobState = "expired"
)

// ErrQueueNotFound is returned when an operation references a queue that was
// never created.
var ErrQueueNotFound = errors.New("queue: queue not found")

// Job is one queue row.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	State        JobState
	RetryLimit   int
	RetryCount   int
	RetryDelay   int // seconds
	StartAfter   time.Time
	CreatedOn    time.Time
	StartedOn    *time.Time
	CompletedOn  *time.Time
	SingletonKey *string
	ExpireIn     int // seconds a job may stay active before expiring
	Retention    int // seconds a terminal job is retained
	Output       []byte
}

// QueueDefaults are applied to jobs sent without explicit options.
type QueueDefaults struct {
	RetryLimit       int
	RetryDelay       int
	RetentionSeconds int
}

// SendOptions control one enqueued job.
type SendOptions struct {
	ExpireInSeconds int
	RetryLimit      int
	RetryDelay      int
	RetentionSecs   int
	SingletonKey    string
	StartAfter      time.Time
}

// ScheduleOptions control one schedule row.
type ScheduleOptions struct {
	// Key distinguishes schedules on the same queue; required.
	Key  string
	Send SendOptions
}

// Stats summarizes one queue.
type Stats struct {
	QueuedCount    int64
	ActiveCount    int64
	CompletedCount int64
	FailedCount    int64
	CancelledCount int64
	ExpiredCount   int64
}

// Store is the persistent queue over PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New opens the queue store, migrating or creating its schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrateSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateQueue registers a named queue with default job options. Idempotent;
// repeated calls update the defaults.
func (s *Store) CreateQueue(ctx context.Context, name string, defaults QueueDefaults) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO playlens_queue.queue (name, retry_limit, retry_delay, retention_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			retry_limit = EXCLUDED.retry_limit,
			retry_delay = EXCLUDED.retry_delay,
			retention_seconds = EXCLUDED.retention_seconds`,
		name, defaults.RetryLimit, defaults.RetryDelay, defaults.RetentionSeconds)
	if err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	return nil
}

// Send enqueues a job. Returns the new job id, or an empty id without error
// when a singleton key collides with an in-flight job on the same queue.
func (s *Store) Send(ctx context.Context, name string, payload any, opts SendOptions) (string, error) {
	defaults, err := s.queueDefaults(ctx, name)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	retryLimit := opts.RetryLimit
	if retryLimit == 0 {
		retryLimit = defaults.RetryLimit
	}
	retryDelay := opts.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaults.RetryDelay
	}
	retention := opts.RetentionSecs
	if retention == 0 {
		retention = defaults.RetentionSeconds
	}
	if retention == 0 {
		retention = int((14 * 24 * time.Hour).Seconds())
	}
	expireIn := opts.ExpireInSeconds
	if expireIn == 0 {
		expireIn = int((15 * time.Minute).Seconds())
	}
	startAfter := opts.StartAfter
	if startAfter.IsZero() {
		startAfter = time.Now()
	}

	var singleton *string
	if opts.SingletonKey != "" {
		singleton = &opts.SingletonKey
	}

	id := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO playlens_queue.job
			(id, name, data, state, retry_limit, retry_delay, start_after,
			 expire_in_seconds, retention_seconds, singleton_key)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name, singleton_key)
			WHERE state IN ('created', 'retry', 'active') AND singleton_key IS NOT NULL
		DO NOTHING`,
		id, name, data, retryLimit, retryDelay, startAfter, expireIn, retention, singleton)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		// Singleton collision: an equivalent job is already in flight.
		return "", nil
	}
	return id, nil
}

// Fetch atomically claims up to batchSize due jobs, marking them active.
// SKIP LOCKED keeps concurrent workers from claiming the same rows.
func (s *Store) Fetch(ctx context.Context, name string, batchSize int) ([]*Job, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE playlens_queue.job SET state = 'active', started_on = now()
		WHERE id IN (
			SELECT id FROM playlens_queue.job
			WHERE name = $1 AND state IN ('created', 'retry') AND start_after <= now()
			ORDER BY created_on
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, name, batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", name, err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Complete marks an active job completed, recording the handler output.
func (s *Store) Complete(ctx context.Context, id string, output any) error {
	out, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE playlens_queue.job
		SET state = 'completed', completed_on = now(), output = $2
		WHERE id = $1 AND state = 'active'`, id, out)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a handler failure. The job moves to retry with a delayed
// start while retries remain, otherwise to failed.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Errorf("encode failure output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE playlens_queue.job
		SET state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
			retry_count = retry_count + 1,
			start_after = now() + make_interval(secs => retry_delay),
			completed_on = CASE WHEN retry_count < retry_limit THEN NULL ELSE now() END,
			output = $2
		WHERE id = $1 AND state = 'active'`, id, out)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// Cancel transitions the given jobs from any non-terminal state to
// cancelled. Unknown or already-terminal ids are ignored.
func (s *Store) Cancel(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE playlens_queue.job
		SET state = 'cancelled', completed_on = now()
		WHERE id = ANY($1) AND state IN ('created', 'retry', 'active')`, ids)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}
	return nil
}

// CancelJobsByName cancels every non-terminal job on a queue whose payload
// targets the given server. Used by the manual full-sync trigger to preempt
// queued duplicates.
func (s *Store) CancelJobsByName(ctx context.Context, name string, serverID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE playlens_queue.job
		SET state = 'cancelled', completed_on = now()
		WHERE name = $1 AND state IN ('created', 'retry', 'active')
			AND (data->>'serverId')::bigint = $2`, name, serverID)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by name: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJobByID returns one job on a queue, or nil when absent.
func (s *Store) GetJobByID(ctx context.Context, name, id string) (*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM playlens_queue.job WHERE name = $1 AND id = $2`,
		name, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// GetQueueStats returns per-state counts for one queue.
func (s *Store) GetQueueStats(ctx context.Context, name string) (*Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state, count(*) FROM playlens_queue.job
		WHERE name = $1 GROUP BY state`, name)
	if err != nil {
		return nil, fmt.Errorf("queue stats for %s: %w", name, err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch JobState(state) {
		case StateCreated, StateRetry:
			stats.QueuedCount += count
		case StateActive:
			stats.ActiveCount = count
		case StateCompleted:
			stats.CompletedCount = count
		case StateFailed:
			stats.FailedCount = count
		case StateCancelled:
			stats.CancelledCount = count
		case StateExpired:
			stats.ExpiredCount = count
		}
	}
	return stats, rows.Err()
}

// GlobalStats aggregates queued/active/failed counts across all queues for
// the server-status endpoint.
func (s *Store) GlobalStats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, count(*) FROM playlens_queue.job GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("global queue stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch JobState(state) {
		case StateCreated, StateRetry:
			stats.QueuedCount += count
		case StateActive:
			stats.ActiveCount += count
		case StateFailed:
			stats.FailedCount += count
		case StateCompleted:
			stats.CompletedCount += count
		case StateCancelled:
			stats.CancelledCount += count
		case StateExpired:
			stats.ExpiredCount += count
		}
	}
	return stats, rows.Err()
}

// RecentFailedCount returns the number of jobs that failed within the window.
func (s *Store) RecentFailedCount(ctx context.Context, window time.Duration) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM playlens_queue.job
		WHERE state = 'failed' AND completed_on > now() - $1::interval`,
		window.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recent failed count: %w", err)
	}
	return n, nil
}

// MaintainOnce performs one queue maintenance pass: expire jobs stuck in
// active past their expiry, and drop terminal jobs past retention.
func (s *Store) MaintainOnce(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE playlens_queue.job
		SET state = 'expired', completed_on = now()
		WHERE state = 'active'
			AND started_on + make_interval(secs => expire_in_seconds) < now()`); err != nil {
		return fmt.Errorf("expire stuck jobs: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM playlens_queue.job
		WHERE state IN ('completed', 'cancelled', 'failed', 'expired')
			AND completed_on + make_interval(secs => retention_seconds) < now()`)
	if err != nil {
		return fmt.Errorf("prune retained jobs: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		logging.Debug().Int64("pruned", n).Msg("Queue retention pass removed jobs")
	}
	return nil
}

func (s *Store) queueDefaults(ctx context.Context, name string) (QueueDefaults, error) {
	var d QueueDefaults
	err := s.pool.QueryRow(ctx, `
		SELECT retry_limit, retry_delay, retention_seconds
		FROM playlens_queue.queue WHERE name = $1`, name).
		Scan(&d.RetryLimit, &d.RetryDelay, &d.RetentionSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if err != nil {
		return d, fmt.Errorf("queue defaults for %s: %w", name, err)
	}
	return d, nil
}

const jobColumns = `id, name, data, state, retry_limit, retry_count, retry_delay,
	start_after, created_on, started_on, completed_on, singleton_key,
	expire_in_seconds, retention_seconds, output`

func scanJobs(rows pgx.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var j Job
		var state string
		if err := rows.Scan(&j.ID, &j.Name, &j.Data, &state, &j.RetryLimit,
			&j.RetryCount, &j.RetryDelay, &j.StartAfter, &j.CreatedOn, &j.StartedOn,
			&j.CompletedOn, &j.SingletonKey, &j.ExpireIn, &j.Retention, &j.Output); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.State = JobState(state)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

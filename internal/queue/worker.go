// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/metrics"
)

// Handler processes one fetched batch. An error fails every job in the
// batch; jobs with retries remaining return to the queue after their delay.
type Handler func(ctx context.Context, jobs []*Job) error

// WorkOptions tune one queue's worker loop.
type WorkOptions struct {
	BatchSize    int
	PollInterval time.Duration
}

type registration struct {
	handler Handler
	opts    WorkOptions
}

// Registry maps queue names to handlers. Registration happens during startup
// wiring, before the manager runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a handler to a queue name. Registering the same name twice
// replaces the previous handler.
func (r *Registry) Register(name string, handler Handler, opts WorkOptions) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	r.mu.Lock()
	r.handlers[name] = registration{handler: handler, opts: opts}
	r.mu.Unlock()
}

// Names returns the registered queue names, sorted for stable startup logs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg, ok
}

// jobStore is the slice of Store the manager drives. Narrowed for tests.
type jobStore interface {
	Fetch(ctx context.Context, name string, batchSize int) ([]*Job, error)
	Complete(ctx context.Context, id string, output any) error
	Fail(ctx context.Context, id string, cause error) error
	Send(ctx context.Context, name string, payload any, opts SendOptions) (string, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	MarkScheduleFired(ctx context.Context, name, key string, at time.Time) error
	MaintainOnce(ctx context.Context) error
}

// Manager runs the worker loops, the minute cron ticker, and the queue
// maintenance sweep. One manager serves the whole process.
type Manager struct {
	store    jobStore
	registry *Registry
	throttle *logging.Throttle
}

// NewManager wires a manager over the store and registry.
func NewManager(store jobStore, registry *Registry) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		throttle: logging.NewThrottle(time.Minute),
	}
}

// Serve runs until ctx is cancelled. Implements suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	logging.Info().Strs("queues", m.registry.Names()).Msg("Queue manager starting")

	var wg sync.WaitGroup
	for _, name := range m.registry.Names() {
		reg, _ := m.registry.lookup(name)
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			m.workLoop(ctx, name, reg)
		}(name, reg)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.cronLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.maintainLoop(ctx)
	}()

	wg.Wait()
	logging.Info().Msg("Queue manager stopped")
	return ctx.Err()
}

func (m *Manager) workLoop(ctx context.Context, name string, reg registration) {
	ticker := time.NewTicker(reg.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := m.store.Fetch(ctx, name, reg.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.throttle.Event("fetch:"+name, logging.Error).
				Err(err).Str("queue", name).Msg("Job fetch failed")
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		m.dispatch(ctx, name, reg.handler, jobs)
	}
}

func (m *Manager) dispatch(ctx context.Context, name string, handler Handler, jobs []*Job) {
	start := time.Now()
	err := invoke(ctx, handler, jobs)
	elapsed := time.Since(start)

	for _, job := range jobs {
		if err != nil {
			metrics.JobsProcessed.WithLabelValues(name, "failed").Inc()
			if failErr := m.store.Fail(ctx, job.ID, err); failErr != nil {
				logging.Err(failErr).Str("queue", name).Str("job_id", job.ID).
					Msg("Failed to record job failure")
			}
			continue
		}
		metrics.JobsProcessed.WithLabelValues(name, "completed").Inc()
		if compErr := m.store.Complete(ctx, job.ID, nil); compErr != nil {
			logging.Err(compErr).Str("queue", name).Str("job_id", job.ID).
				Msg("Failed to record job completion")
		}
	}
	metrics.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		logging.Err(err).Str("queue", name).Int("jobs", len(jobs)).
			Dur("elapsed", elapsed).Msg("Job batch failed")
	} else {
		logging.Debug().Str("queue", name).Int("jobs", len(jobs)).
			Dur("elapsed", elapsed).Msg("Job batch completed")
	}
}

// invoke shields the worker loop from handler panics.
func invoke(ctx context.Context, handler Handler, jobs []*Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, jobs)
}

func (m *Manager) cronLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.fireDueSchedules(ctx, time.Now())
	}
}

func (m *Manager) fireDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := m.store.ListSchedules(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Err(err).Msg("Failed to list schedules")
		}
		return
	}

	for _, sc := range schedules {
		due, err := scheduleDue(sc, now)
		if err != nil {
			m.throttle.Event("cron:"+sc.Name+"/"+sc.Key, logging.Error).
				Err(err).Str("queue", sc.Name).Str("key", sc.Key).
				Str("cron", sc.Cron).Msg("Invalid cron expression on schedule")
			continue
		}
		if !due {
			continue
		}

		var payload json.RawMessage = sc.Data
		id, err := m.store.Send(ctx, sc.Name, payload, sc.Options)
		if err != nil {
			logging.Err(err).Str("queue", sc.Name).Str("key", sc.Key).
				Msg("Scheduled send failed")
			continue
		}
		if err := m.store.MarkScheduleFired(ctx, sc.Name, sc.Key, now); err != nil {
			logging.Err(err).Str("queue", sc.Name).Str("key", sc.Key).
				Msg("Failed to mark schedule fired")
		}
		if id == "" {
			logging.Debug().Str("queue", sc.Name).Str("key", sc.Key).
				Msg("Scheduled job skipped, singleton already in flight")
		} else {
			logging.Debug().Str("queue", sc.Name).Str("key", sc.Key).
				Str("job_id", id).Msg("Scheduled job enqueued")
		}
	}
}

// scheduleDue reports whether a schedule's cron has a fire time at or before
// now that is later than its last recorded fire. A long outage yields one
// catch-up fire, not a backlog.
func scheduleDue(sc Schedule, now time.Time) (bool, error) {
	spec, err := parseCron(sc.Cron)
	if err != nil {
		return false, err
	}
	since := sc.CreatedOn
	if sc.LastFiredOn != nil {
		since = *sc.LastFiredOn
	}
	next := spec.Next(since)
	return !next.IsZero() && !next.After(now), nil
}

func parseCron(expr string) (cron.Schedule, error) {
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return spec, nil
}

func (m *Manager) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.store.MaintainOnce(ctx); err != nil && ctx.Err() == nil {
			m.throttle.Event("maintain", logging.Error).
				Err(err).Msg("Queue maintenance pass failed")
		}
	}
}

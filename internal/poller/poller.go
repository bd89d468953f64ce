// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/playlens/playlens/internal/config"
	"github.com/playlens/playlens/internal/database"
	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/metrics"
	"github.com/playlens/playlens/internal/models"
	"github.com/playlens/playlens/internal/scheduler"
	"github.com/playlens/playlens/internal/ums"
)

const (
	backoffBase       = 10 * time.Second
	backoffMultiplier = 1.5
	backoffCap        = 2 * time.Minute

	// Health thresholds for the status surface.
	maxConsecutiveFailures = 10
	maxSuccessAge          = 5 * time.Minute
)

// sessionStore is the database slice the poller needs.
type sessionStore interface {
	ingestStore
	ListServers(ctx context.Context) ([]models.Server, error)
	SetServerSyncError(ctx context.Context, id int64, syncErr string) error
	InsertPlaybackSession(ctx context.Context, s *models.PlaybackSession) (bool, error)
	ReplaceActiveSessions(ctx context.Context, serverID int64, open []database.ActiveSessionRow) error
	ListActiveSessions(ctx context.Context) ([]database.ActiveSessionRow, error)
	ClearActiveSessions(ctx context.Context) error
}

// ClientFactory builds an upstream client for one server.
type ClientFactory func(server models.Server) ums.Client

// Status is the poller's health surface.
type Status struct {
	Running             bool      `json:"running"`
	TotalCycles         int64     `json:"totalCycles"`
	SuccessfulCycles    int64     `json:"successfulCycles"`
	FailedCycles        int64     `json:"failedCycles"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastCycleDuration   string    `json:"lastCycleDuration,omitempty"`
	ServersInBackoff    []int64   `json:"serversInBackoff,omitempty"`
	TrackedSessions     int       `json:"trackedSessions"`
	Healthy             bool      `json:"healthy"`
}

type serverBackoff struct {
	policy  *backoff.ExponentialBackOff
	until   time.Time
	lastErr string
}

// SessionPoller is the single long-lived polling loop: one tick per cadence
// polls every due server for live sessions, reconciles the tracked map,
// persists the open set, and tails the activity log.
type SessionPoller struct {
	store    sessionStore
	clients  ClientFactory
	policy   scheduler.JobPolicy
	cfg      config.PollerConfig
	ingestor *ActivityIngestor
	throttle *logging.Throttle
	now      func() time.Time

	mu         sync.Mutex
	tracked    map[int64]map[string]*TrackedSession
	backoffs   map[int64]*serverBackoff
	lastPolled map[int64]time.Time

	tickRunning bool
	tickStarted time.Time
	cancelTick  context.CancelFunc

	running             bool
	totalCycles         int64
	successfulCycles    int64
	failedCycles        int64
	consecutiveFailures int
	lastSuccess         time.Time
	lastCycleDuration   time.Duration
}

// New builds the poller. policy gates per-server polling; clients builds one
// upstream client per server per tick (cheap; the http.Client is pooled).
func New(store sessionStore, clients ClientFactory, policy scheduler.JobPolicy, cfg config.PollerConfig) *SessionPoller {
	return &SessionPoller{
		store:    store,
		clients:  clients,
		policy:   policy,
		cfg:      cfg,
		ingestor: NewActivityIngestor(store),
		throttle: logging.NewThrottle(time.Minute),
		now:      time.Now,
		tracked:  make(map[int64]map[string]*TrackedSession),
		backoffs: make(map[int64]*serverBackoff),

		lastPolled: make(map[int64]time.Time),
	}
}

// Serve runs the loop until ctx is cancelled, then drains. Implements
// suture.Service.
func (p *SessionPoller) Serve(ctx context.Context) error {
	p.reloadActiveSessions(ctx)

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	logging.Info().Dur("interval", p.cfg.Interval()).Msg("Session poller started")

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.maybeStartTick(ctx)
		}
	}
}

// maybeStartTick enforces the overlap guard: a running tick under the
// watchdog threshold means skip; over the threshold means abort in-flight
// work and still skip until it unwinds.
func (p *SessionPoller) maybeStartTick(ctx context.Context) {
	p.mu.Lock()
	if p.tickRunning {
		overrun := p.now().Sub(p.tickStarted)
		cancel := p.cancelTick
		p.mu.Unlock()
		if overrun > p.cfg.WatchdogTimeout && cancel != nil {
			logging.Warn().Dur("overrun", overrun).
				Msg("Watchdog aborting overrunning poll tick")
			cancel()
		} else {
			logging.Debug().Msg("Skipping tick, previous still running")
		}
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, p.cfg.TickTimeout)
	p.tickRunning = true
	p.tickStarted = p.now()
	p.cancelTick = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			p.mu.Lock()
			p.tickRunning = false
			p.cancelTick = nil
			p.mu.Unlock()
		}()
		p.runTick(tickCtx)
	}()
}

// runTick polls every due server with bounded parallelism.
func (p *SessionPoller) runTick(ctx context.Context) {
	start := p.now()

	servers, err := p.store.ListServers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.throttle.Event("list-servers", logging.Error).
				Err(err).Msg("Poll tick could not list servers")
		}
		p.recordCycle(start, 1, 1)
		return
	}

	sem := make(chan struct{}, p.cfg.ServerConcurrency)
	var wg sync.WaitGroup
	var polled, failed int64
	var counterMu sync.Mutex

	for _, srv := range servers {
		if !p.policy.IsEnabled(srv.ID, scheduler.JobSessionPolling) {
			continue
		}
		if p.inBackoff(srv.ID) {
			continue
		}
		// An interval override stretches a server's cadence beyond the
		// global tick; absent overrides poll every tick.
		if d, ok := p.policy.EffectiveInterval(srv.ID, scheduler.JobSessionPolling); ok {
			p.mu.Lock()
			last := p.lastPolled[srv.ID]
			p.mu.Unlock()
			if p.now().Sub(last) < d {
				continue
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(srv models.Server) {
			defer wg.Done()
			defer func() { <-sem }()
			p.mu.Lock()
			p.lastPolled[srv.ID] = p.now()
			p.mu.Unlock()
			err := p.pollServer(ctx, srv)
			counterMu.Lock()
			polled++
			if err != nil {
				failed++
			}
			counterMu.Unlock()
		}(srv)
	}
	wg.Wait()

	p.recordCycle(start, polled, failed)
}

func (p *SessionPoller) recordCycle(start time.Time, polled, failed int64) {
	elapsed := p.now().Sub(start)
	metrics.PollCycleDuration.Observe(elapsed.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalCycles++
	p.lastCycleDuration = elapsed
	if polled > 0 && failed == polled {
		p.failedCycles++
		p.consecutiveFailures++
		metrics.PollCycles.WithLabelValues("failed").Inc()
		return
	}
	p.successfulCycles++
	p.consecutiveFailures = 0
	p.lastSuccess = p.now()
	metrics.PollCycles.WithLabelValues("ok").Inc()
}

// pollServer polls one server's sessions and tails its activity log.
// Returns nil on cancellation: aborted work is not a server failure.
func (p *SessionPoller) pollServer(ctx context.Context, srv models.Server) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ServerTimeout())
	defer cancel()

	client := p.clients(srv)
	sessions, err := client.Sessions(reqCtx)
	if err != nil {
		if ctx.Err() != nil {
			logging.Info().Int64("server_id", srv.ID).
				Msg("Server poll cancelled by tick timeout or shutdown")
			return nil
		}
		p.registerFailure(ctx, srv, err)
		metrics.UpstreamRequests.WithLabelValues(srv.Name, "error").Inc()
		return err
	}
	metrics.UpstreamRequests.WithLabelValues(srv.Name, "ok").Inc()
	p.clearBackoff(srv.ID)

	now := p.now()
	open := p.reconcile(ctx, srv.ID, sessions, now)
	p.persistOpenSet(ctx, srv.ID, open)

	if _, err := p.ingestor.IngestServer(ctx, srv.ID, client); err != nil && ctx.Err() == nil {
		p.throttle.Event(fmt.Sprintf("ingest-%d", srv.ID), logging.Error).
			Err(err).Int64("server_id", srv.ID).Msg("Activity ingest failed")
	}
	return nil
}

// reconcile partitions the upstream snapshot against the tracked map and
// returns the still-open set. Finalized sessions are saved fire-and-log.
func (p *SessionPoller) reconcile(ctx context.Context, serverID int64, upstream []models.UMSSession, now time.Time) []*TrackedSession {
	incoming := make(map[string]*models.UMSSession)
	for idx := range upstream {
		s := &upstream[idx]
		if !shouldTrack(s) {
			continue
		}
		incoming[sessionKeyFor(s)] = s
	}

	p.mu.Lock()
	byKey := p.tracked[serverID]
	if byKey == nil {
		byKey = make(map[string]*TrackedSession)
		p.tracked[serverID] = byKey
	}

	var toFinalize []*TrackedSession
	for key, s := range incoming {
		tracked, ok := byKey[key]
		switch {
		case !ok:
			byKey[key] = newTracked(serverID, s, now)
		case tracked.isReplacement(s):
			toFinalize = append(toFinalize, tracked)
			byKey[key] = newTracked(serverID, s, now)
		default:
			tracked.update(s, now)
		}
	}
	for key, tracked := range byKey {
		if _, ok := incoming[key]; !ok {
			toFinalize = append(toFinalize, tracked)
			delete(byKey, key)
		}
	}

	open := make([]*TrackedSession, 0, len(byKey))
	for _, t := range byKey {
		open = append(open, t)
	}
	metrics.ActiveSessions.WithLabelValues(fmt.Sprint(serverID)).Set(float64(len(open)))
	p.mu.Unlock()

	for _, t := range toFinalize {
		p.saveFinalized(ctx, t, now)
	}
	return open
}

// saveFinalized persists one finalized session. Never retried: the stable
// id makes duplicates a no-op, and retrying a partial failure risks double
// counting.
func (p *SessionPoller) saveFinalized(ctx context.Context, t *TrackedSession, now time.Time) {
	record := t.finalize(now)
	if record == nil {
		return
	}

	// DB work is deliberately detached from the tick cancellation so a
	// finalize in progress completes; the statement timeout bounds it.
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if t.UserID != "" {
		known, err := p.store.KnownUserIDs(dbCtx, t.ServerID, []string{t.UserID})
		if err == nil && known[t.UserID] {
			userID := t.UserID
			record.UserID = &userID
		}
	}

	inserted, err := p.store.InsertPlaybackSession(dbCtx, record)
	if err != nil {
		logging.Err(err).
			Int64("server_id", t.ServerID).
			Str("session_key", t.SessionKey).
			Str("item", t.ItemName).
			Str("user", t.UserName).
			Int("duration", record.PlayDuration).
			Msg("Failed to save finalized session")
		return
	}
	if inserted {
		metrics.SessionsFinalized.WithLabelValues(fmt.Sprint(t.ServerID)).Inc()
		logging.Info().
			Int64("server_id", t.ServerID).
			Str("item", t.ItemName).
			Str("user", t.UserName).
			Int("duration", record.PlayDuration).
			Bool("completed", record.Completed).
			Msg("Playback session finalized")
	}
}

func (p *SessionPoller) persistOpenSet(ctx context.Context, serverID int64, open []*TrackedSession) {
	rows := make([]database.ActiveSessionRow, 0, len(open))
	for _, t := range open {
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		rows = append(rows, database.ActiveSessionRow{
			ServerID:   serverID,
			SessionKey: t.SessionKey,
			Payload:    payload,
		})
	}

	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := p.store.ReplaceActiveSessions(dbCtx, serverID, rows); err != nil {
		p.throttle.Event(fmt.Sprintf("active-sessions-%d", serverID), logging.Error).
			Err(err).Int64("server_id", serverID).Msg("Failed to persist open sessions")
	}
}

// reloadActiveSessions rebuilds the tracked map from active_sessions so a
// restart loses at most a few seconds of watch time.
func (p *SessionPoller) reloadActiveSessions(ctx context.Context) {
	rows, err := p.store.ListActiveSessions(ctx)
	if err != nil {
		logging.Err(err).Msg("Could not reload persisted open sessions")
		return
	}

	restored := 0
	p.mu.Lock()
	for _, row := range rows {
		var t TrackedSession
		if err := json.Unmarshal(row.Payload, &t); err != nil {
			logging.Warn().Int64("server_id", row.ServerID).
				Str("session_key", row.SessionKey).
				Msg("Discarding undecodable persisted session")
			continue
		}
		byKey := p.tracked[row.ServerID]
		if byKey == nil {
			byKey = make(map[string]*TrackedSession)
			p.tracked[row.ServerID] = byKey
		}
		byKey[row.SessionKey] = &t
		restored++
	}
	p.mu.Unlock()

	if restored > 0 {
		logging.Info().Int("sessions", restored).
			Msg("Restored tracked sessions from previous run")
	}
}

// shutdown waits for the in-flight tick, finalizes every tracked session,
// and clears the persisted open set.
func (p *SessionPoller) shutdown() {
	p.mu.Lock()
	p.running = false
	cancel := p.cancelTick
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	deadline := p.now().Add(p.cfg.StopTimeout)
	for {
		p.mu.Lock()
		running := p.tickRunning
		p.mu.Unlock()
		if !running || p.now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), p.cfg.StopTimeout)
	defer cancelCtx()

	now := p.now()
	p.mu.Lock()
	var all []*TrackedSession
	for _, byKey := range p.tracked {
		for _, t := range byKey {
			all = append(all, t)
		}
	}
	p.tracked = make(map[int64]map[string]*TrackedSession)
	p.mu.Unlock()

	for _, t := range all {
		p.saveFinalized(ctx, t, now)
	}
	if err := p.store.ClearActiveSessions(ctx); err != nil {
		logging.Err(err).Msg("Failed to clear persisted open sessions on shutdown")
	}
	logging.Info().Int("finalized", len(all)).Msg("Session poller stopped")
}

func (p *SessionPoller) inBackoff(serverID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backoffs[serverID]
	return ok && p.now().Before(b.until)
}

// registerFailure records one poll failure and advances the server's
// backoff window. Persistent upstream errors also surface on the server row.
func (p *SessionPoller) registerFailure(ctx context.Context, srv models.Server, cause error) {
	p.mu.Lock()
	b, ok := p.backoffs[srv.ID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = backoffBase
		policy.Multiplier = backoffMultiplier
		policy.MaxInterval = backoffCap
		policy.RandomizationFactor = 0
		policy.MaxElapsedTime = 0
		policy.Reset()
		b = &serverBackoff{policy: policy}
		p.backoffs[srv.ID] = b
	}
	wait := b.policy.NextBackOff()
	b.until = p.now().Add(wait)
	b.lastErr = cause.Error()
	p.mu.Unlock()

	p.throttle.Event(fmt.Sprintf("poll-%d", srv.ID), logging.Error).
		Err(cause).Int64("server_id", srv.ID).Str("server", srv.Name).
		Dur("backoff", wait).Msg("Server poll failed")

	var statusErr *ums.StatusError
	if errors.As(cause, &statusErr) && statusErr.Persistent() {
		dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.store.SetServerSyncError(dbCtx, srv.ID,
			fmt.Sprintf("Upstream returned %d; check url and api key", statusErr.Code)); err != nil {
			logging.Err(err).Int64("server_id", srv.ID).Msg("Failed to record sync error")
		}
	}
}

// clearBackoff resets a server's backoff after a successful poll, logging
// the recovery once.
func (p *SessionPoller) clearBackoff(serverID int64) {
	p.mu.Lock()
	_, wasBackedOff := p.backoffs[serverID]
	delete(p.backoffs, serverID)
	p.mu.Unlock()

	if wasBackedOff {
		p.throttle.Reset(fmt.Sprintf("poll-%d", serverID))
		logging.Info().Int64("server_id", serverID).Msg("Server poll recovered")
	}
}

// Status reports the poller health surface.
func (p *SessionPoller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var inBackoff []int64
	now := p.now()
	for id, b := range p.backoffs {
		if now.Before(b.until) {
			inBackoff = append(inBackoff, id)
		}
	}
	trackedCount := 0
	for _, byKey := range p.tracked {
		trackedCount += len(byKey)
	}

	healthy := p.running &&
		p.consecutiveFailures < maxConsecutiveFailures &&
		(p.lastSuccess.IsZero() || now.Sub(p.lastSuccess) < maxSuccessAge)

	return Status{
		Running:             p.running,
		TotalCycles:         p.totalCycles,
		SuccessfulCycles:    p.successfulCycles,
		FailedCycles:        p.failedCycles,
		ConsecutiveFailures: p.consecutiveFailures,
		LastSuccess:         p.lastSuccess,
		LastCycleDuration:   p.lastCycleDuration.String(),
		ServersInBackoff:    inBackoff,
		TrackedSessions:     trackedCount,
		Healthy:             healthy,
	}
}

// Running reports whether the loop is serving.
func (p *SessionPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

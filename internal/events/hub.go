// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package events is the in-process event stream behind the SSE endpoint:
// job lifecycle, sync progress, and anomaly notifications. Publishing never
// blocks; a subscriber that cannot keep up is dropped.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/metrics"
)

// Event is one stream entry. Timestamps carry six fractional digits.
type Event struct {
	Type      string `json:"type"`
	JobName   string `json:"jobName,omitempty"`
	ServerID  int64  `json:"serverId"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`

	at time.Time
}

// Timestamp formats a time for the stream: ISO-8601 UTC with microsecond
// precision, zero-padded to six digits.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

// subscriberBuffer is the per-subscriber channel depth. A full buffer means
// the subscriber is too slow and gets disconnected.
const subscriberBuffer = 64

// Hub fans events out to subscribers and retains a ring of recent events
// for since-replay.
type Hub struct {
	heartbeat time.Duration

	mu   sync.Mutex
	subs map[chan Event]struct{}
	ring []Event
	next int
	full bool
}

// NewHub creates a hub retaining ringSize events, emitting a heartbeat at
// the given interval (capped at 30 s).
func NewHub(ringSize int, heartbeat time.Duration) *Hub {
	if ringSize <= 0 {
		ringSize = 500
	}
	if heartbeat <= 0 || heartbeat > 30*time.Second {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		heartbeat: heartbeat,
		subs:      make(map[chan Event]struct{}),
		ring:      make([]Event, ringSize),
	}
}

// Publish stamps and delivers an event. Slow subscribers are dropped rather
// than ever blocking the publisher.
func (h *Hub) Publish(e Event) {
	now := time.Now()
	e.at = now
	if e.Timestamp == "" {
		e.Timestamp = Timestamp(now)
	}

	h.mu.Lock()
	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	var dropped []chan Event
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			dropped = append(dropped, ch)
		}
	}
	for _, ch := range dropped {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()

	if len(dropped) > 0 {
		metrics.EventSubscribers.Sub(float64(len(dropped)))
		logging.Warn().Int("dropped", len(dropped)).
			Msg("Dropped slow event stream subscribers")
	}
}

// Subscribe registers a subscriber. Events received after since are replayed
// from the ring first. The returned cancel must be called on disconnect; the
// channel is closed by the hub on cancel or when the subscriber falls behind.
func (h *Hub) Subscribe(since time.Time) (<-chan Event, func()) {
	replay := h.snapshotSince(since)

	ch := make(chan Event, subscriberBuffer+len(replay))
	for _, e := range replay {
		ch <- e
	}

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.EventSubscribers.Inc()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
			metrics.EventSubscribers.Dec()
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// snapshotSince returns ring contents newer than since, oldest first.
func (h *Hub) snapshotSince(since time.Time) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	appendIf := func(e Event) {
		if !e.at.IsZero() && e.at.After(since) {
			out = append(out, e)
		}
	}
	if h.full {
		for i := h.next; i < len(h.ring); i++ {
			appendIf(h.ring[i])
		}
	}
	for i := 0; i < h.next; i++ {
		appendIf(h.ring[i])
	}
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Serve emits periodic heartbeats until ctx is cancelled. Implements
// suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Publish(Event{Type: "heartbeat"})
		}
	}
}

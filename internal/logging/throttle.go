// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package logging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Throttle suppresses repeated log emission for the same key within a
// window. Transient upstream failures in the poll loop would otherwise
// produce one error line every tick per server.
type Throttle struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle creates a throttle with the given suppression window.
// A zero window defaults to 60 seconds.
func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Throttle{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a message for key may be emitted now, and if so
// records the emission time.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now

	// Opportunistic cleanup so long-gone keys do not accumulate.
	if len(t.last) > 1024 {
		for k, v := range t.last {
			if now.Sub(v) >= t.window {
				delete(t.last, k)
			}
		}
	}
	return true
}

// Reset clears the emission record for key, so the next Allow succeeds.
// Called on recovery so the "recovered" line always follows a failure line.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}

// Event returns an event from fn if the key is allowed, or a disabled
// event otherwise, so call sites can keep the fluent chain:
//
//	throttle.Event("poll-"+serverID, logging.Error).Err(err).Msg("poll failed")
func (t *Throttle) Event(key string, fn func() *zerolog.Event) *zerolog.Event {
	if t.Allow(key) {
		return fn()
	}
	disabled := zerolog.Nop()
	return disabled.Error()
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/playlens/playlens/internal/logging"
)

// handleEvents streams the event hub over SSE. ?since=<epoch> replays ring
// contents newer than the given time before live events.
func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		// Epoch milliseconds are accepted alongside seconds.
		if epoch > 1_000_000_000_000 {
			since = time.UnixMilli(epoch)
		} else {
			since = time.Unix(epoch, 0)
		}
	}

	ch, cancel := rt.stream.Subscribe(since)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				// Dropped by the hub for falling behind.
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				logging.Err(err).Msg("Event encoding failed")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

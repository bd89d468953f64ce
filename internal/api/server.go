// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/playlens/playlens/internal/config"
	"github.com/playlens/playlens/internal/logging"
)

// Server runs the HTTP shell under a supervisor.
type Server struct {
	httpServer *http.Server
	drain      time.Duration
}

// NewServer binds the handler to the configured address. Write timeout stays
// unset because the SSE endpoint holds its response open indefinitely.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	drain := cfg.Timeout
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		drain: drain,
	}
}

// Serve implements suture.Service: listen until ctx is cancelled, then drain
// with a bounded shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drain)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return ctx.Err()
		}
		return err
	}
}

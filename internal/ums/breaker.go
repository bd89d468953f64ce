// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package ums

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/playlens/playlens/internal/logging"
	"github.com/playlens/playlens/internal/models"
)

// BreakerClient wraps a Client with a circuit breaker so a dead upstream
// fails fast instead of burning the per-call timeout on every poll tick.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient decorates a client. name appears in state-change logs,
// typically the server name.
func NewBreakerClient(name string, inner Client) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("server", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Upstream circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not upstream health.
			// The HTTP client wraps it in url.Error, so unwrap.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerClient{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *BreakerClient) SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error) {
	out, err := b.cb.Execute(func() (any, error) { return b.inner.SystemInfo(ctx) })
	if err != nil {
		return nil, err
	}
	return out.(*models.UMSSystemInfo), nil
}

func (b *BreakerClient) Sessions(ctx context.Context) ([]models.UMSSession, error) {
	out, err := b.cb.Execute(func() (any, error) { return b.inner.Sessions(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]models.UMSSession), nil
}

func (b *BreakerClient) Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error) {
	out, err := b.cb.Execute(func() (any, error) { return b.inner.Activities(ctx, startIndex, limit) })
	if err != nil {
		return nil, err
	}
	return out.(*models.UMSActivityPage), nil
}

func (b *BreakerClient) Users(ctx context.Context) ([]models.UMSUser, error) {
	out, err := b.cb.Execute(func() (any, error) { return b.inner.Users(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]models.UMSUser), nil
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package ums is the client for the upstream media server HTTP API. The
// core consumes four operations: system info, live sessions, the activity
// log, and the user list.
package ums

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/playlens/playlens/internal/models"
)

// Client is the upstream media server API consumed by the core.
type Client interface {
	SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error)
	Sessions(ctx context.Context) ([]models.UMSSession, error)
	Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error)
	Users(ctx context.Context) ([]models.UMSUser, error)
}

// StatusError is a non-2xx upstream response. 401/403/404 are persistent:
// they surface on the server's sync error but do not stop polling.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Persistent reports whether the error reflects a configuration problem
// rather than a transient outage.
func (e *StatusError) Persistent() bool {
	return e.Code == http.StatusUnauthorized ||
		e.Code == http.StatusForbidden ||
		e.Code == http.StatusNotFound
}

// Options tune one HTTP client instance.
type Options struct {
	Timeout time.Duration // per request; default 60s
	Retries int           // transient retries per call; default 3
	Rate    rate.Limit    // requests per second; default 10
}

// HTTPClient talks to one upstream server.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retries int
	limiter *rate.Limiter
}

// NewHTTPClient builds a client for one server's url and api key.
func NewHTTPClient(baseURL, apiKey string, opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: opts.Timeout},
		retries: opts.Retries,
		limiter: rate.NewLimiter(opts.Rate, int(opts.Rate)),
	}
}

// SystemInfo validates credentials and returns the upstream identity.
func (c *HTTPClient) SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error) {
	var info models.UMSSystemInfo
	if err := c.get(ctx, "/System/Info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Sessions returns the currently-playing sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]models.UMSSession, error) {
	var sessions []models.UMSSession
	if err := c.get(ctx, "/Sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Activities returns one newest-first page of the activity log.
func (c *HTTPClient) Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error) {
	query := url.Values{
		"startIndex": []string{strconv.Itoa(startIndex)},
		"limit":      []string{strconv.Itoa(limit)},
	}
	var page models.UMSActivityPage
	if err := c.get(ctx, "/System/ActivityLog/Entries", query, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Users returns the upstream user list.
func (c *HTTPClient) Users(ctx context.Context) ([]models.UMSUser, error) {
	var users []models.UMSUser
	if err := c.get(ctx, "/Users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// get performs one GET with rate limiting and bounded retries. Persistent
// status errors and context cancellation are not retried.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := c.doGet(ctx, path, query, out); err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.Code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)), ctx)
	return backoff.Retry(op, policy)
}

func (c *HTTPClient) doGet(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

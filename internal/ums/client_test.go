// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package ums

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/playlens/playlens/internal/models"
)

func TestSystemInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/System/Info" {
			t.Errorf("path = %s, want /System/Info", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("token header = %q, want secret", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Id":"ums-1","ServerName":"den","Version":"10.9"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", Options{})
	info, err := c.SystemInfo(context.Background())
	if err != nil {
		t.Fatalf("SystemInfo: %v", err)
	}
	if info.ID != "ums-1" || info.ServerName != "den" {
		t.Errorf("info = %+v", info)
	}
}

func TestActivitiesPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startIndex") != "50" || q.Get("limit") != "25" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"Items":[{"Id":7,"Name":"played","Date":"2026-03-10T12:00:00Z"}],"TotalRecordCount":1}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", Options{})
	page, err := c.Activities(context.Background(), 50, 25)
	if err != nil {
		t.Fatalf("Activities: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 7 {
		t.Errorf("page = %+v", page)
	}
}

func TestPersistentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "bad", Options{Retries: 3})
	_, err := c.Sessions(context.Background())

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if !statusErr.Persistent() {
		t.Error("401 should classify as persistent")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("made %d requests, want 1 (no retry on 4xx)", n)
	}
}

func TestTransientStatusRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", Options{Retries: 3})
	if _, err := c.Sessions(context.Background()); err != nil {
		t.Fatalf("Sessions after retries: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("made %d requests, want 3", n)
	}
}

type failingClient struct{ err error }

func (f *failingClient) SystemInfo(ctx context.Context) (*models.UMSSystemInfo, error) {
	return nil, f.err
}
func (f *failingClient) Sessions(ctx context.Context) ([]models.UMSSession, error) {
	return nil, f.err
}
func (f *failingClient) Activities(ctx context.Context, startIndex, limit int) (*models.UMSActivityPage, error) {
	return nil, f.err
}
func (f *failingClient) Users(ctx context.Context) ([]models.UMSUser, error) {
	return nil, f.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreakerClient("test", &failingClient{err: errors.New("down")})

	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = b.Sessions(context.Background())
	}
	if lastErr == nil {
		t.Fatal("expected failure")
	}
	// After five consecutive failures the breaker is open and short-circuits.
	if lastErr.Error() == "down" {
		t.Errorf("err = %v, want breaker open error", lastErr)
	}
}

func TestBreakerIgnoresWrappedCancellation(t *testing.T) {
	// The HTTP client surfaces caller cancellation wrapped in url.Error.
	wrapped := fmt.Errorf("get sessions: %w", &url.Error{
		Op: "Get", URL: "http://ums.local", Err: context.Canceled,
	})
	b := NewBreakerClient("test", &failingClient{err: wrapped})

	for i := 0; i < 10; i++ {
		_, err := b.Sessions(context.Background())
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: err = %v, breaker must stay closed on cancellation", i+1, err)
		}
	}
}

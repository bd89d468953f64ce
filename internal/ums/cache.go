// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package ums

import (
	"sync"

	"github.com/playlens/playlens/internal/models"
)

// ClientCache hands out one long-lived client per server so circuit-breaker
// and rate-limiter state survives across poll ticks. A changed URL or API
// key rebuilds the client, which is how edited server rows take effect.
type ClientCache struct {
	build func(models.Server) Client

	mu      sync.Mutex
	clients map[int64]*cacheEntry
}

type cacheEntry struct {
	url    string
	apiKey string
	client Client
}

// NewClientCache wraps a client constructor with per-server caching.
func NewClientCache(build func(models.Server) Client) *ClientCache {
	return &ClientCache{build: build, clients: make(map[int64]*cacheEntry)}
}

// Get returns the cached client for the server, building one on first use
// or when the server's URL or API key changed.
func (c *ClientCache) Get(srv models.Server) Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.clients[srv.ID]; ok && e.url == srv.URL && e.apiKey == srv.APIKey {
		return e.client
	}
	client := c.build(srv)
	c.clients[srv.ID] = &cacheEntry{url: srv.URL, apiKey: srv.APIKey, client: client}
	return client
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package scheduler

import (
	"sync"
	"time"

	"github.com/playlens/playlens/internal/models"
)

// JobPolicy is the read-only view of per-server job intent. The session
// poller consumes it instead of importing the scheduler directly.
type JobPolicy interface {
	IsEnabled(serverID int64, key JobKey) bool
	EffectiveCron(serverID int64, key JobKey) string
	EffectiveInterval(serverID int64, key JobKey) (time.Duration, bool)
}

// overrideCache is the in-memory copy of server_job_configurations. Reads
// take a snapshot under RLock; reloads swap per-server maps wholesale.
type overrideCache struct {
	mu        sync.RWMutex
	overrides map[int64]map[string]models.ServerJobConfig
}

func newOverrideCache() *overrideCache {
	return &overrideCache{overrides: make(map[int64]map[string]models.ServerJobConfig)}
}

func (c *overrideCache) replaceAll(configs []models.ServerJobConfig) {
	next := make(map[int64]map[string]models.ServerJobConfig)
	for _, cfg := range configs {
		byKey, ok := next[cfg.ServerID]
		if !ok {
			byKey = make(map[string]models.ServerJobConfig)
			next[cfg.ServerID] = byKey
		}
		byKey[cfg.JobKey] = cfg
	}
	c.mu.Lock()
	c.overrides = next
	c.mu.Unlock()
}

func (c *overrideCache) replaceServer(serverID int64, configs []models.ServerJobConfig) {
	byKey := make(map[string]models.ServerJobConfig, len(configs))
	for _, cfg := range configs {
		byKey[cfg.JobKey] = cfg
	}
	c.mu.Lock()
	c.overrides[serverID] = byKey
	c.mu.Unlock()
}

func (c *overrideCache) get(serverID int64, key JobKey) (models.ServerJobConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byKey, ok := c.overrides[serverID]
	if !ok {
		return models.ServerJobConfig{}, false
	}
	cfg, ok := byKey[string(key)]
	return cfg, ok
}

// IsEnabled reports whether a job runs for a server. Absent override rows
// mean enabled.
func (c *overrideCache) IsEnabled(serverID int64, key JobKey) bool {
	cfg, ok := c.get(serverID, key)
	if !ok || cfg.Enabled == nil {
		return true
	}
	return *cfg.Enabled
}

// EffectiveCron returns the override cron when set, else the catalog default.
// Empty for non-cron keys.
func (c *overrideCache) EffectiveCron(serverID int64, key JobKey) string {
	def, ok := catalogByKey[key]
	if !ok || def.kind != kindCron {
		return ""
	}
	if cfg, ok := c.get(serverID, key); ok && cfg.CronExpression != nil && *cfg.CronExpression != "" {
		return *cfg.CronExpression
	}
	return def.defaultCron
}

// EffectiveInterval returns the override interval for interval-tagged keys.
// The second return is false when no override exists and the caller should
// use its configured default.
func (c *overrideCache) EffectiveInterval(serverID int64, key JobKey) (time.Duration, bool) {
	def, ok := catalogByKey[key]
	if !ok || def.kind != kindInterval {
		return 0, false
	}
	if cfg, ok := c.get(serverID, key); ok && cfg.IntervalSeconds != nil && *cfg.IntervalSeconds > 0 {
		return time.Duration(*cfg.IntervalSeconds) * time.Second, true
	}
	return 0, false
}

// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package config provides centralized configuration for all Playlens
// components, loaded in layers: built-in defaults, an optional YAML config
// file, then environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration. Immutable after Load and safe
// for concurrent reads.
type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Server    ServerConfig    `koanf:"server"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Poller    PollerConfig    `koanf:"poller"`
	Detection DetectionConfig `koanf:"detection"`
	Geo       GeoConfig       `koanf:"geo"`
	Events    EventsConfig    `koanf:"events"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// DatabaseConfig holds PostgreSQL connection settings.
//
// Environment Variables:
//   - DATABASE_URL: connection string (required)
//   - DATABASE_MAX_CONNS: pool size (default: 10)
type DatabaseConfig struct {
	URL      string `koanf:"url" validate:"required"`
	MaxConns int32  `koanf:"max_conns"`

	// StatementTimeout is applied with SET LOCAL at the start of every
	// transaction so a stalled statement cannot hold locks indefinitely.
	StatementTimeout time.Duration `koanf:"statement_timeout"`
}

// ServerConfig holds HTTP shell bind settings.
type ServerConfig struct {
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Host    string        `koanf:"host"`
	Timeout time.Duration `koanf:"timeout"`
}

// SchedulerConfig holds scheduler startup behavior.
//
// Environment Variables:
//   - SKIP_STARTUP_FULL_SYNC: when truthy, the scheduler does not enqueue a
//     full sync for every server at startup.
type SchedulerConfig struct {
	SkipStartupFullSync bool `koanf:"skip_startup_full_sync"`
}

// PollerConfig holds session poller tuning. The *_MS fields mirror the
// documented millisecond environment variables; use the accessor methods for
// time.Duration values.
//
// Environment Variables:
//   - SESSION_POLL_INTERVAL_MS: tick cadence (default: 5000)
//   - SESSION_POLL_SERVER_TIMEOUT_MS: per-request timeout (default: 60000)
//   - SESSION_POLL_SERVER_RETRIES: upstream request retries (default: 3)
//   - SESSION_POLL_SERVER_CONCURRENCY: servers polled in parallel (default: 3)
type PollerConfig struct {
	IntervalMS        int `koanf:"interval_ms" validate:"gte=0"`
	ServerTimeoutMS   int `koanf:"server_timeout_ms" validate:"gte=0"`
	ServerRetries     int `koanf:"server_retries" validate:"gte=0"`
	ServerConcurrency int `koanf:"server_concurrency" validate:"gte=1"`

	// TickTimeout bounds the in-flight network work of one tick.
	TickTimeout time.Duration `koanf:"tick_timeout"`

	// WatchdogTimeout is the point at which an overrunning tick is aborted.
	WatchdogTimeout time.Duration `koanf:"watchdog_timeout"`

	// StopTimeout bounds how long Stop waits for the current tick to unwind.
	StopTimeout time.Duration `koanf:"stop_timeout"`
}

// Interval returns the poll cadence as a duration.
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// ServerTimeout returns the per-request upstream timeout as a duration.
func (c PollerConfig) ServerTimeout() time.Duration {
	return time.Duration(c.ServerTimeoutMS) * time.Millisecond
}

// DetectionConfig holds anomaly detection policy. The impossible-travel
// thresholds are tunables; the defaults flag only clearly implausible
// transitions (>500 km at >800 km/h).
type DetectionConfig struct {
	MaxSpeedKmH   float64 `koanf:"max_speed_kmh" validate:"gt=0"`
	MinDistanceKm float64 `koanf:"min_distance_km" validate:"gte=0"`
}

// GeoConfig holds IP geolocation resolver settings.
type GeoConfig struct {
	// ProviderURL is the base URL of the ip-api compatible lookup service.
	ProviderURL string        `koanf:"provider_url"`
	Timeout     time.Duration `koanf:"timeout"`
}

// EventsConfig holds SSE event stream settings.
type EventsConfig struct {
	// RingSize is the number of recent events retained for ?since replay.
	RingSize int `koanf:"ring_size" validate:"gte=1"`

	// HeartbeatInterval is the cadence of SSE keepalive comments.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Poller.ServerConcurrency < 1 {
		return fmt.Errorf("session poll concurrency must be at least 1")
	}
	if c.Poller.IntervalMS < 0 || c.Poller.ServerTimeoutMS < 0 {
		return fmt.Errorf("poll intervals cannot be negative")
	}
	if c.Detection.MaxSpeedKmH <= 0 {
		return fmt.Errorf("detection max_speed_kmh must be positive")
	}
	if c.Events.RingSize < 1 {
		return fmt.Errorf("events ring_size must be at least 1")
	}
	return nil
}

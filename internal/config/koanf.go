// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/playlens/config.yaml",
	"/etc/playlens/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:              "",
			MaxConns:         10,
			StatementTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Port:    3860,
			Host:    "0.0.0.0",
			Timeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			SkipStartupFullSync: false,
		},
		Poller: PollerConfig{
			IntervalMS:        5000,
			ServerTimeoutMS:   60000,
			ServerRetries:     3,
			ServerConcurrency: 3,
			TickTimeout:       3 * time.Minute,
			WatchdogTimeout:   5 * time.Minute,
			StopTimeout:       15 * time.Second,
		},
		Detection: DetectionConfig{
			MaxSpeedKmH:   800,
			MinDistanceKm: 500,
		},
		Geo: GeoConfig{
			ProviderURL: "http://ip-api.com/json",
			Timeout:     10 * time.Second,
		},
		Events: EventsConfig{
			RingSize:          500,
			HeartbeatInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values from defaultConfig
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Transform environment variable names to koanf paths:
	// DATABASE_URL -> database.url, SESSION_POLL_INTERVAL_MS -> poller.interval_ms
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps recognized environment variable names to koanf
// config paths. Unmapped variables are skipped so random environment noise
// does not pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Database
		"database_url":               "database.url",
		"database_max_conns":         "database.max_conns",
		"database_statement_timeout": "database.statement_timeout",

		// HTTP shell bind
		"port":         "server.port",
		"host":         "server.host",
		"http_timeout": "server.timeout",

		// Scheduler
		"skip_startup_full_sync": "scheduler.skip_startup_full_sync",

		// Session poller
		"session_poll_interval_ms":       "poller.interval_ms",
		"session_poll_server_timeout_ms": "poller.server_timeout_ms",
		"session_poll_server_retries":    "poller.server_retries",
		"session_poll_server_concurrency": "poller.server_concurrency",
		"session_poll_tick_timeout":       "poller.tick_timeout",
		"session_poll_watchdog_timeout":   "poller.watchdog_timeout",
		"session_poll_stop_timeout":       "poller.stop_timeout",

		// Anomaly detection policy
		"detection_max_speed_kmh":   "detection.max_speed_kmh",
		"detection_min_distance_km": "detection.min_distance_km",

		// Geolocation resolver
		"geo_provider_url": "geo.provider_url",
		"geo_timeout":      "geo.timeout",

		// SSE event stream
		"events_ring_size":          "events.ring_size",
		"events_heartbeat_interval": "events.heartbeat_interval",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

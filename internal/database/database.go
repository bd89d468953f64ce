// Playlens - Media Server Analytics Ingestion Core
// Copyright 2026 The Playlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/playlens/playlens

// Package database provides the PostgreSQL store shared by all components.
//
// Every transaction opened through WithTx begins with a local statement
// timeout so a stalled statement aborts the transaction instead of holding
// locks; callers treat the abort as a transient failure.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playlens/playlens/internal/config"
	"github.com/playlens/playlens/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

// DB wraps a pgx connection pool with the domain schema and transaction
// discipline used across Playlens.
type DB struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
}

// New connects to PostgreSQL, verifies the connection, and bootstraps the
// domain schema.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	db := &DB{
		pool:             pool,
		statementTimeout: cfg.StatementTimeout,
	}
	if db.statementTimeout <= 0 {
		db.statementTimeout = 10 * time.Second
	}

	if err := db.bootstrapSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema bootstrap failed: %w", err)
	}

	logging.Info().Msg("Database connected and schema verified")
	return db, nil
}

// Pool exposes the underlying pool for components that own their own schema
// (the job queue).
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close releases the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// WithTx runs fn inside a transaction that starts with a local statement
// timeout. The transaction is rolled back if fn returns an error or panics.
func (d *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a harmless no-op.
		_ = tx.Rollback(ctx)
	}()

	timeoutMS := d.statementTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMS)); err != nil {
		return fmt.Errorf("set statement timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

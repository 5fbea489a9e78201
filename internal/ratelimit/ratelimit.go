/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides a persisted fixed-window rate limiter keyed by
// an arbitrary string (e.g. a hashed client address). Counters live in a
// database rather than memory because the service may run as multiple
// stateless replicas; the read-then-increment is atomic per key.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Decision reports whether a request is allowed and when the window resets.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter checks and counts requests against a fixed window. The window is
// anchored at the first request seen in it, not sliding.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error)
}

// SQLiteLimiter persists counters in SQLite. Suitable for a single-node
// deployment; use PostgresLimiter when running replicas.
type SQLiteLimiter struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLimiter opens (or creates) the limiter store.
func NewSQLiteLimiter(dbPath string) (*SQLiteLimiter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ratelimit db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rate_limits (
		key          TEXT PRIMARY KEY,
		window_start INTEGER NOT NULL,
		count        INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rate_limits table: %w", err)
	}
	return &SQLiteLimiter{db: db, now: time.Now}, nil
}

// Allow atomically checks and increments the counter for key.
func (l *SQLiteLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{Allowed: false, ResetAt: l.now().Add(window)}, nil
	}

	// The whole check-and-increment runs in one transaction so concurrent
	// callers for the same key serialize on the write lock.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := l.now()
	var windowStart, count int64
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_limits WHERE key = ?`, key,
	).Scan(&windowStart, &count)

	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return Decision{}, fmt.Errorf("read window: %w", err)
	}

	start := time.UnixMilli(windowStart)
	if fresh || now.Sub(start) >= window {
		// New window anchored at this request.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limits (key, window_start, count) VALUES (?, ?, 1)
			 ON CONFLICT(key) DO UPDATE SET window_start = excluded.window_start, count = 1`,
			key, now.UnixMilli(),
		); err != nil {
			return Decision{}, fmt.Errorf("reset window: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, fmt.Errorf("commit: %w", err)
		}
		return Decision{Allowed: true, Remaining: max - 1, ResetAt: now.Add(window)}, nil
	}

	resetAt := start.Add(window)
	if count >= int64(max) {
		// Denied requests do not consume the window.
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_limits SET count = count + 1 WHERE key = ?`, key,
	); err != nil {
		return Decision{}, fmt.Errorf("increment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit: %w", err)
	}
	return Decision{Allowed: true, Remaining: max - int(count) - 1, ResetAt: resetAt}, nil
}

// Close closes the underlying database.
func (l *SQLiteLimiter) Close() error {
	return l.db.Close()
}

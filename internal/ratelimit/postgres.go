/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLimiter persists counters in Postgres for multi-replica
// deployments. Each check runs in a transaction with the key's row locked,
// so concurrent replicas never lose increments.
type PostgresLimiter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLimiter connects and ensures the schema exists.
func NewPostgresLimiter(ctx context.Context, connString string) (*PostgresLimiter, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS rate_limits (
		key          TEXT PRIMARY KEY,
		window_start BIGINT NOT NULL,
		count        BIGINT NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create rate_limits table: %w", err)
	}
	return &PostgresLimiter{pool: pool, now: time.Now}, nil
}

// Allow atomically checks and increments the counter for key. Denied
// requests do not consume the window.
func (l *PostgresLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) (Decision, error) {
	if max <= 0 {
		return Decision{Allowed: false, ResetAt: l.now().Add(window)}, nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := l.now()
	var windowStart, count int64
	err = tx.QueryRow(ctx,
		`SELECT window_start, count FROM rate_limits WHERE key = $1 FOR UPDATE`, key,
	).Scan(&windowStart, &count)

	fresh := errors.Is(err, pgx.ErrNoRows)
	if err != nil && !fresh {
		return Decision{}, fmt.Errorf("read window: %w", err)
	}

	start := time.UnixMilli(windowStart)
	if fresh || now.Sub(start) >= window {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_limits (key, window_start, count) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO UPDATE SET window_start = EXCLUDED.window_start, count = 1`,
			key, now.UnixMilli(),
		); err != nil {
			return Decision{}, fmt.Errorf("reset window: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Decision{}, fmt.Errorf("commit: %w", err)
		}
		return Decision{Allowed: true, Remaining: max - 1, ResetAt: now.Add(window)}, nil
	}

	resetAt := start.Add(window)
	if count >= int64(max) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rate_limits SET count = count + 1 WHERE key = $1`, key,
	); err != nil {
		return Decision{}, fmt.Errorf("increment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("commit: %w", err)
	}
	return Decision{Allowed: true, Remaining: max - int(count) - 1, ResetAt: resetAt}, nil
}

// Close releases the connection pool.
func (l *PostgresLimiter) Close() {
	l.pool.Close()
}

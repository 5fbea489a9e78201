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
	"path/filepath"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T) (*SQLiteLimiter, *time.Time) {
	t.Helper()
	l, err := NewSQLiteLimiter(filepath.Join(t.TempDir(), "limits.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLimiter: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAllowUpToMax(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "posts", 3, time.Hour)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d: expected allowed", i)
		}
		if want := 2 - i; d.Remaining != want {
			t.Errorf("call %d: Remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	d, err := l.Allow(ctx, "posts", 3, time.Hour)
	if err != nil {
		t.Fatalf("Allow over max: %v", err)
	}
	if d.Allowed {
		t.Error("fourth call with max=3 should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestDeniedDoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "k", 1, time.Hour); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	// Repeated denials must not push the counter past the cap.
	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "k", 1, time.Hour)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if d.Allowed {
			t.Fatalf("denial %d: expected denied", i)
		}
	}
}

func TestWindowReset(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "k", 1, time.Minute); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	d, err := l.Allow(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("second call within window should be denied")
	}

	*clock = clock.Add(time.Minute + time.Second)
	d, err = l.Allow(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatalf("Allow after window: %v", err)
	}
	if !d.Allowed {
		t.Fatal("call after window elapsed should be allowed")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if want := clock.Add(time.Minute); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "a", 1, time.Hour); err != nil {
		t.Fatalf("Allow a: %v", err)
	}
	d, err := l.Allow(ctx, "b", 1, time.Hour)
	if err != nil {
		t.Fatalf("Allow b: %v", err)
	}
	if !d.Allowed {
		t.Error("exhausting key a should not affect key b")
	}
}

func TestZeroMaxAlwaysDenied(t *testing.T) {
	l, _ := newTestLimiter(t)

	d, err := l.Allow(context.Background(), "k", 0, time.Hour)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Error("max=0 should always deny")
	}
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLockPaths(t *testing.T) {
	// Prevent this test from blocking for more than 10 seconds.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	p1 := filepath.Join(dir, "a")
	p2 := filepath.Join(dir, "b")

	h1, err := LockPaths(ctx, []string{p1}, true)
	if err != nil {
		t.Fatal("LockPaths([a], wait=true) on fresh directory failed:", err)
	}

	// An independent path should lock without contention.
	h2, err := LockPaths(ctx, []string{p2}, true)
	if err != nil {
		t.Fatal("LockPaths([b], wait=true) failed:", err)
	}

	// Attempting to lock p1 again with wait=false should fail immediately.
	if _, err := LockPaths(ctx, []string{p1}, false); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("LockPaths([a], wait=false) while held = %v; want %v", err, ErrWouldBlock)
	}

	h1.Release()

	// Now the same lock should succeed.
	h1b, err := LockPaths(ctx, []string{p1}, false)
	if err != nil {
		t.Fatal("LockPaths([a], wait=false) after Release failed:", err)
	}
	h1b.Release()
	h2.Release()
}

func TestLockPathsSortsForDeadlockAvoidance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	p1 := filepath.Join(dir, "a")
	p2 := filepath.Join(dir, "b")

	// Lock in reverse order from a concurrent call below; if LockPaths did
	// not sort internally, this pair of calls could deadlock.
	done := make(chan error, 1)
	go func() {
		h, err := LockPaths(ctx, []string{p2, p1}, true)
		if err == nil {
			h.Release()
		}
		done <- err
	}()

	h, err := LockPaths(ctx, []string{p1, p2}, true)
	if err != nil {
		t.Fatal("LockPaths([a, b]) failed:", err)
	}
	h.Release()

	if err := <-done; err != nil {
		t.Error("concurrent LockPaths([b, a]) failed:", err)
	}
}

func TestReleaseNilHandle(t *testing.T) {
	var h *Handle
	h.Release() // must not panic
}

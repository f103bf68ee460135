// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package lock implements the path-lock primitive described in spec §4.F:
// advisory writer locks keyed by an absolute path, backed by OS-level file
// locks on companion "<path>.lock" files.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
)

// ErrWouldBlock is returned by [LockPaths] when wait is false and one of
// the requested paths is already locked.
var ErrWouldBlock = errors.New("lock: would block")

// Ext is the suffix appended to a path to name its companion lock file.
const Ext = ".lock"

// A Handle holds a set of acquired path locks. Release unlocks all of them.
// The zero value holds no locks.
type Handle struct {
	files []*os.File
}

// LockPaths acquires writer locks on paths, one per element, always in
// sorted (byte) order to prevent deadlock against any other caller locking
// an overlapping set of paths (spec §4.F).
//
// If wait is true, LockPaths blocks until every lock is acquired or ctx is
// done. If wait is false, LockPaths returns [ErrWouldBlock] as soon as any
// path's lock is already held elsewhere, releasing any locks it had
// already acquired along the way.
//
// The returned [Handle] must be released (via [Handle.Release]) on every
// exit path, including error returns from later code — the lock is not
// inherited by forked child processes: its file descriptors are opened
// close-on-exec.
func LockPaths(ctx context.Context, paths []string, wait bool) (*Handle, error) {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	h := new(Handle)
	for _, p := range sorted {
		f, err := openLockFile(p + Ext)
		if err != nil {
			h.Release()
			return nil, fmt.Errorf("lock %s: %v", p, err)
		}
		if err := lockFile(ctx, f, wait); err != nil {
			f.Close()
			h.Release()
			if errors.Is(err, ErrWouldBlock) {
				return nil, fmt.Errorf("lock %s: %w", p, ErrWouldBlock)
			}
			return nil, fmt.Errorf("lock %s: %v", p, err)
		}
		h.files = append(h.files, f)
	}
	return h, nil
}

// Release releases all locks held by h. It is safe to call on a nil or
// zero-value Handle and safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	for _, f := range h.files {
		f.Close()
	}
	h.files = nil
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"fmt"
	"os"
)

// GCLock is the per-store garbage collection lock described in spec
// §4.J's concurrency model. The garbage collector takes it shared while
// scanning roots and computing the dead set, and exclusive only for the
// duration of an individual deletion. The build engine does not take it.
type GCLock struct {
	f *os.File
}

// LockGCShared acquires the GC lock at path in shared mode, blocking
// until acquired or ctx is done.
func LockGCShared(ctx context.Context, path string) (*GCLock, error) {
	return lockGC(ctx, path, false)
}

// LockGCExclusive acquires the GC lock at path in exclusive mode,
// blocking until acquired or ctx is done.
func LockGCExclusive(ctx context.Context, path string) (*GCLock, error) {
	return lockGC(ctx, path, true)
}

func lockGC(ctx context.Context, path string, exclusive bool) (*GCLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, fmt.Errorf("lock gc: %v", err)
	}
	if err := lockFileMode(ctx, f, exclusive); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock gc: %v", err)
	}
	return &GCLock{f: f}, nil
}

// Release releases the GC lock. It is safe to call on a nil *GCLock.
func (l *GCLock) Release() {
	if l == nil {
		return
	}
	l.f.Close()
}

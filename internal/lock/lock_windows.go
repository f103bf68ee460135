// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build windows

package lock

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

func openLockFile(name string) (*os.File, error) {
	// Windows has no close-on-exec flag on CreateFile; os/exec does not
	// propagate arbitrary open file descriptors to children by default,
	// so no extra flag is needed here to get the same effect as O_CLOEXEC.
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0o666)
}

func lockFile(ctx context.Context, f *os.File, wait bool) error {
	h := windows.Handle(f.Fd())
	var flags uint32 = windows.LOCKFILE_EXCLUSIVE_LOCK
	if !wait {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
		ol := new(windows.Overlapped)
		err := windows.LockFileEx(h, flags, 0, 1, 0, ol)
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return ErrWouldBlock
		}
		return err
	}

	done := make(chan error, 1)
	go func() {
		ol := new(windows.Overlapped)
		done <- windows.LockFileEx(h, flags, 0, 1, 0, ol)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockFileMode blocks until f is locked in shared (exclusive=false) or
// exclusive mode, or ctx is done.
func lockFileMode(ctx context.Context, f *os.File, exclusive bool) error {
	h := windows.Handle(f.Fd())
	var flags uint32
	if exclusive {
		flags = windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	done := make(chan error, 1)
	go func() {
		ol := new(windows.Overlapped)
		done <- windows.LockFileEx(h, flags, 0, 1, 0, ol)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

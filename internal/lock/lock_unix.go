// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package lock

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func openLockFile(name string) (*os.File, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|unix.O_CLOEXEC, 0o666)
}

func lockFile(ctx context.Context, f *os.File, wait bool) error {
	if !wait {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrWouldBlock
		}
		return err
	}

	done := make(chan error, 1)
	go func() { done <- unix.Flock(int(f.Fd()), unix.LOCK_EX) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockFileMode blocks until f is locked in shared or exclusive mode, per
// exclusive, or ctx is done.
func lockFileMode(ctx context.Context, f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	done := make(chan error, 1)
	go func() { done <- unix.Flock(int(f.Fd()), how) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

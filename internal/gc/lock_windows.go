// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build windows

package gc

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"

	"kiln.build/kiln/storepath"
)

func lockTempRootFile(f *os.File) error {
	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	return windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
}

func readLiveTempRootsFile(name string) (held bool, paths []storepath.Path, err error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return false, nil, err
	}
	defer f.Close()

	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	lockErr := windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if lockErr == nil {
		windows.UnlockFileEx(h, 0, 1, 0, ol)
		return false, nil, nil
	}
	if !errors.Is(lockErr, windows.ERROR_LOCK_VIOLATION) {
		return false, nil, lockErr
	}
	paths, err = readTempRootsFile(f)
	if err != nil {
		return true, nil, err
	}
	return true, paths, nil
}

// AvailableBytes reports the free space available on the volume
// backing path (spec §4.J's automatic-GC trigger).
func AvailableBytes(path string) (int64, error) {
	var freeBytes, totalBytes, totalFreeBytes uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return int64(freeBytes), nil
}

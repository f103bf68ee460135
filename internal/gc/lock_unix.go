// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package gc

import (
	"os"

	"golang.org/x/sys/unix"

	"kiln.build/kiln/storepath"
)

// lockTempRootFile takes and holds an exclusive flock on f for as long
// as f stays open; closing f (via [TempRootHandle.Release]) drops the
// lock, which is how a live client signals it has exited.
func lockTempRootFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// readLiveTempRootsFile reports whether name's writer still holds the
// write lock, and if so, the paths recorded in it. A file whose lock
// can be acquired belongs to an exited process and is stale.
func readLiveTempRootsFile(name string) (held bool, paths []storepath.Path, err error) {
	f, err := os.Open(name)
	if err != nil {
		return false, nil, err
	}
	defer f.Close()

	lockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if lockErr == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return false, nil, nil
	}
	if lockErr != unix.EWOULDBLOCK {
		return false, nil, lockErr
	}
	paths, err = readTempRootsFile(f)
	if err != nil {
		return true, nil, err
	}
	return true, paths, nil
}

// AvailableBytes reports the free space available to an unprivileged
// user on the filesystem backing path (spec §4.J's automatic-GC
// trigger).
func AvailableBytes(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

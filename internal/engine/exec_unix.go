// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix

package engine

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setCancelFunc arranges for c's process to receive SIGTERM (rather than
// the default SIGKILL) when its context is cancelled, giving a builder a
// chance to clean up.
func setCancelFunc(c *exec.Cmd) {
	c.Cancel = func() error {
		return c.Process.Signal(unix.SIGTERM)
	}
}

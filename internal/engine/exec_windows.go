// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import "os/exec"

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}

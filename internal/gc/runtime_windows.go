// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build windows

package gc

import "context"

// RuntimeRoots is a no-op on Windows: there is no equivalent of the
// /proc scan or lsof this package relies on elsewhere (spec §4.J
// describes runtime-root scanning as best-effort).
func (c *Collector) RuntimeRoots(ctx context.Context) ([]Root, error) {
	return nil, nil
}

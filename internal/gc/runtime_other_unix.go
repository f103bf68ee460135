// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build unix && !linux

package gc

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"

	"zombiezen.com/go/log"
)

// RuntimeRoots shells out to lsof on non-Linux Unix systems to find
// open files under the store directory (spec §4.J). This is
// best-effort: a missing or failing lsof is logged at debug level
// rather than treated as a collection failure, per the spec's
// resolution of the corresponding Open Question.
func (c *Collector) RuntimeRoots(ctx context.Context) ([]Root, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-n", "-F", "n")
	out, err := cmd.Output()
	if err != nil {
		log.Debugf(ctx, "gc: runtime root scan: lsof: %v", err)
		return nil, nil
	}
	var roots []Root
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != 'n' {
			continue
		}
		for _, p := range extractStorePaths(c.opt.Dir, line[1:]) {
			roots = append(roots, Root{Path: p, Source: "runtime:lsof"})
		}
	}
	return roots, nil
}

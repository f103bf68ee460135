// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

//go:build linux

package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"zombiezen.com/go/log"
)

// sysctlRootPaths are kernel sysctl files that, on some systems, are
// configured to hold a path into the store (e.g. a kernel module
// loader or splash helper), per spec §4.J.
var sysctlRootPaths = []string{
	"/proc/sys/kernel/modprobe",
	"/proc/sys/kernel/fbsplash",
	"/proc/sys/kernel/poweroff_cmd",
}

// RuntimeRoots scans /proc for store paths referenced by running
// processes: their executable, working directory, open files, memory
// mappings, and environment, plus a handful of sysctl paths that can
// themselves name a store path to execute (spec §4.J).
func (c *Collector) RuntimeRoots(ctx context.Context) ([]Root, error) {
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("scan runtime roots: %v", err)
	}
	var roots []Root
	for _, ent := range procEntries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}
		roots = append(roots, c.scanProcess(ctx, pid)...)
	}
	for _, p := range sysctlRootPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		for _, sp := range extractStorePaths(c.opt.Dir, data) {
			roots = append(roots, Root{Path: sp, Source: "runtime:" + p})
		}
	}
	return roots, nil
}

func (c *Collector) scanProcess(ctx context.Context, pid int) []Root {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	var roots []Root

	addLink := func(rel string) {
		target, err := os.Readlink(filepath.Join(base, rel))
		if err != nil {
			return
		}
		if p, _, err := c.opt.Dir.ParsePath(target); err == nil {
			roots = append(roots, Root{Path: p, Source: "runtime:" + base + "/" + rel})
		}
	}
	addLink("exe")
	addLink("cwd")

	if fds, err := os.ReadDir(filepath.Join(base, "fd")); err == nil {
		for _, fd := range fds {
			addLink("fd/" + fd.Name())
		}
	}

	for _, rel := range []string{"maps", "environ"} {
		data, err := os.ReadFile(filepath.Join(base, rel))
		if err != nil {
			log.Debugf(ctx, "gc: runtime root scan: %s/%s: %v", base, rel, err)
			continue
		}
		for _, p := range extractStorePaths(c.opt.Dir, data) {
			roots = append(roots, Root{Path: p, Source: "runtime:" + base + "/" + rel})
		}
	}
	return roots
}

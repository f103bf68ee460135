// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Package gc implements the garbage collector described in spec §4.J:
// enumerating GC roots (permanent, indirect, temporary, and runtime),
// computing the live set as the forward-reference closure of those
// roots, and deleting dead paths with concurrent-build safety.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/log"

	"kiln.build/kiln/internal/lock"
	"kiln.build/kiln/internal/osutil"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// Root is a single discovered GC root: a store path kept alive, tagged
// with a human-readable description of where it was found (useful for
// logging and for `why-depends`-style root tracing).
type Root struct {
	Path   storepath.Path
	Source string
}

// Options configures a [Collector].
type Options struct {
	// Dir is the store directory the collector operates on.
	Dir storepath.Directory
	// DB is the valid-path database backing Dir.
	DB *store.DB

	// GCRootsDir is the directory holding permanent root symlinks
	// (spec §4.J's "<state>/gcroots/"). AutoRootsDir, if set, is the
	// nested directory (conventionally "gcroots/auto") holding
	// indirect roots; its entries are skipped when scanning
	// GCRootsDir for permanent roots.
	GCRootsDir, AutoRootsDir string

	// TempRootsDir is the directory holding one lock file per live
	// client process (spec §4.J's "<state>/temproots/").
	TempRootsDir string

	// LockPath is the path to the GC lock file (spec §4.J's
	// concurrency model): shared while scanning, exclusive for the
	// duration of an individual deletion.
	LockPath string
}

// Collector runs garbage collection over a single store.
type Collector struct {
	opt   Options
	group singleflight.Group
}

// New returns a new Collector for the given store.
func New(opt Options) *Collector {
	return &Collector{opt: opt}
}

// Mode selects what [Collector.Run] does with the computed live/dead sets.
type Mode int

const (
	// ReturnLive reports the live set without deleting anything.
	ReturnLive Mode = iota
	// ReturnDead reports the dead set without deleting anything.
	ReturnDead
	// DeleteDead deletes every dead path, subject to RunOptions.MaxFreed.
	DeleteDead
	// DeleteSpecific deletes exactly RunOptions.Paths, refusing if any
	// of them turns out to be live or still referenced by a path not
	// in the request.
	DeleteSpecific
)

// RunOptions configures a single [Collector.Run] call.
type RunOptions struct {
	Mode Mode

	// Paths is the request for DeleteSpecific; ignored otherwise.
	Paths []storepath.Path

	// MaxFreed caps the number of bytes DeleteDead will free in one
	// run; zero means unlimited. Ignored by other modes.
	MaxFreed int64
}

// Result is the outcome of a [Collector.Run] call.
type Result struct {
	Live *sortedset.Set[storepath.Path]
	Dead *sortedset.Set[storepath.Path]

	Deleted    []storepath.Path
	BytesFreed int64
}

// Run performs a garbage collection pass according to opts.
//
// Concurrent DeleteDead calls share a single in-flight run (spec
// §4.J's automatic-GC note: "a second client request arriving during
// the run reuses the in-flight future") rather than racing each other
// over the same dead set.
func (c *Collector) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	switch opts.Mode {
	case ReturnLive, ReturnDead:
		return c.returnOnly(ctx, opts.Mode)
	case DeleteDead:
		v, err, _ := c.group.Do("delete-dead", func() (any, error) {
			return c.deleteDead(ctx, opts.MaxFreed)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	case DeleteSpecific:
		return c.deleteSpecific(ctx, opts.Paths)
	default:
		return nil, fmt.Errorf("gc: unknown mode %d", opts.Mode)
	}
}

// Roots returns the union of all four root kinds (spec §4.J). Failures
// scanning any individual root source are logged at debug level and do
// not prevent the others from being collected, per the spec's
// resolution of the runtime-root-scanning Open Question.
func (c *Collector) Roots(ctx context.Context) ([]Root, error) {
	var roots []Root
	collect := func(rs []Root, err error) {
		if err != nil {
			log.Debugf(ctx, "gc: %v", err)
			return
		}
		roots = append(roots, rs...)
	}

	perm, err := c.PermanentRoots()
	collect(perm, err)
	ind, err := c.IndirectRoots()
	collect(ind, err)
	temp, err := c.TempRoots(ctx)
	collect(temp, err)
	rt, err := c.RuntimeRoots(ctx)
	collect(rt, err)

	return roots, nil
}

// Live computes the forward-reference closure of roots: a path is live
// iff it is a root or reachable from one (spec §4.J).
func (c *Collector) Live(ctx context.Context, roots []Root) (*sortedset.Set[storepath.Path], error) {
	live := sortedset.New[storepath.Path]()
	queue := make([]storepath.Path, 0, len(roots))
	for _, r := range roots {
		if !live.Has(r.Path) {
			live.Add(r.Path)
			queue = append(queue, r.Path)
		}
	}
	for len(queue) > 0 {
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		info, err := c.opt.DB.PathInfo(ctx, p)
		if err != nil {
			if errors.Is(err, store.ErrNotRegistered) {
				continue
			}
			return nil, fmt.Errorf("gc: compute liveness: %v", err)
		}
		for i := 0; i < info.References.Len(); i++ {
			ref := info.References.At(i)
			if !live.Has(ref) {
				live.Add(ref)
				queue = append(queue, ref)
			}
		}
	}
	return live, nil
}

func deadOf(all, live *sortedset.Set[storepath.Path]) *sortedset.Set[storepath.Path] {
	dead := sortedset.New[storepath.Path]()
	for i := 0; i < all.Len(); i++ {
		p := all.At(i)
		if !live.Has(p) {
			dead.Add(p)
		}
	}
	return dead
}

func (c *Collector) returnOnly(ctx context.Context, mode Mode) (*Result, error) {
	shared, err := lock.LockGCShared(ctx, c.opt.LockPath)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	defer shared.Release()

	roots, err := c.Roots(ctx)
	if err != nil {
		return nil, err
	}
	live, err := c.Live(ctx, roots)
	if err != nil {
		return nil, err
	}
	if mode == ReturnLive {
		return &Result{Live: live}, nil
	}
	all, err := c.opt.DB.AllValidPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	return &Result{Live: live, Dead: deadOf(all, live)}, nil
}

// deleteDead implements the stop-the-world DeleteDead mode: hold the GC
// lock shared while the dead set is snapshotted, then delete each dead
// path under its own brief exclusive hold, in referrers-before-referents
// order, until opts.MaxFreed bytes have been freed.
func (c *Collector) deleteDead(ctx context.Context, maxFreed int64) (*Result, error) {
	shared, err := lock.LockGCShared(ctx, c.opt.LockPath)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	roots, err := c.Roots(ctx)
	if err != nil {
		shared.Release()
		return nil, err
	}
	live, err := c.Live(ctx, roots)
	if err != nil {
		shared.Release()
		return nil, err
	}
	all, err := c.opt.DB.AllValidPaths(ctx)
	if err != nil {
		shared.Release()
		return nil, fmt.Errorf("gc: %v", err)
	}
	dead := deadOf(all, live)
	shared.Release()

	order, err := c.deletionOrder(ctx, dead)
	if err != nil {
		return nil, err
	}

	result := &Result{Live: live, Dead: dead}
	for _, p := range order {
		if maxFreed > 0 && result.BytesFreed >= maxFreed {
			break
		}
		freed, err := c.deleteOne(ctx, p)
		if err != nil {
			return result, fmt.Errorf("gc: delete %s: %v", p, err)
		}
		result.Deleted = append(result.Deleted, p)
		result.BytesFreed += freed
	}
	return result, nil
}

// deleteSpecific implements DeleteSpecific: every requested path must
// be dead (not reachable from a root) and not referenced by any valid
// path outside the request, or the whole call fails without deleting
// anything.
func (c *Collector) deleteSpecific(ctx context.Context, paths []storepath.Path) (*Result, error) {
	shared, err := lock.LockGCShared(ctx, c.opt.LockPath)
	if err != nil {
		return nil, fmt.Errorf("gc: %v", err)
	}
	roots, err := c.Roots(ctx)
	if err != nil {
		shared.Release()
		return nil, err
	}
	live, err := c.Live(ctx, roots)
	shared.Release()
	if err != nil {
		return nil, err
	}

	requested := sortedset.New(paths...)
	for i := 0; i < requested.Len(); i++ {
		p := requested.At(i)
		if live.Has(p) {
			return nil, fmt.Errorf("gc: %s is reachable from a root, refusing to delete", p)
		}
		referrers, err := c.opt.DB.QueryReferrers(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("gc: %v", err)
		}
		for j := 0; j < referrers.Len(); j++ {
			r := referrers.At(j)
			if r != p && !requested.Has(r) {
				return nil, fmt.Errorf("gc: %s is referenced by %s, refusing to delete", p, r)
			}
		}
	}

	order, err := c.deletionOrder(ctx, requested)
	if err != nil {
		return nil, err
	}
	result := &Result{Live: live}
	for _, p := range order {
		freed, err := c.deleteOne(ctx, p)
		if err != nil {
			return result, fmt.Errorf("gc: delete %s: %v", p, err)
		}
		result.Deleted = append(result.Deleted, p)
		result.BytesFreed += freed
	}
	return result, nil
}

// deletionOrder topologically sorts set so that every path is ordered
// before any dead path it references (spec §4.J: "referrers before
// referents"), returning an error if set contains a reference cycle.
func (c *Collector) deletionOrder(ctx context.Context, set *sortedset.Set[storepath.Path]) ([]storepath.Path, error) {
	n := set.Len()
	referrerCount := make(map[storepath.Path]int, n)
	unlocks := make(map[storepath.Path][]storepath.Path, n)

	for i := 0; i < n; i++ {
		p := set.At(i)
		referrers, err := c.opt.DB.QueryReferrers(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("gc: %v", err)
		}
		count := 0
		for j := 0; j < referrers.Len(); j++ {
			r := referrers.At(j)
			if r != p && set.Has(r) {
				count++
				unlocks[r] = append(unlocks[r], p)
			}
		}
		referrerCount[p] = count
	}

	var ready []storepath.Path
	for i := 0; i < n; i++ {
		p := set.At(i)
		if referrerCount[p] == 0 {
			ready = append(ready, p)
		}
	}

	var order []storepath.Path
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		p := ready[0]
		ready = ready[1:]
		order = append(order, p)
		for _, next := range unlocks[p] {
			referrerCount[next]--
			if referrerCount[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != n {
		return nil, errors.New("gc: reference cycle detected among paths scheduled for deletion")
	}
	return order, nil
}

func (c *Collector) deleteOne(ctx context.Context, p storepath.Path) (int64, error) {
	excl, err := lock.LockGCExclusive(ctx, c.opt.LockPath)
	if err != nil {
		return 0, err
	}
	defer excl.Release()

	info, err := c.opt.DB.PathInfo(ctx, p)
	if errors.Is(err, store.ErrNotRegistered) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := c.opt.DB.Delete(ctx, p); err != nil {
		return 0, err
	}
	if err := osutil.UnmountAndRemoveAll(c.opt.Dir.Join(p.Base())); err != nil {
		return 0, err
	}
	return info.NARSize, nil
}

// MaybeCollect triggers a DeleteDead run if the filesystem backing
// storeRoot has fewer than minFree bytes available, reusing an
// in-flight run rather than starting a second one (spec §4.J's
// automatic-GC note). It returns a nil Result if collection was not
// triggered.
func (c *Collector) MaybeCollect(ctx context.Context, storeRoot string, minFree, maxFreed int64) (*Result, error) {
	free, err := AvailableBytes(storeRoot)
	if err != nil {
		return nil, fmt.Errorf("gc: automatic collection: %v", err)
	}
	if free >= minFree {
		return nil, nil
	}
	log.Debugf(ctx, "gc: %d bytes free at %s, below minimum %d; collecting", free, storeRoot, minFree)
	return c.Run(ctx, RunOptions{Mode: DeleteDead, MaxFreed: maxFreed})
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"kiln.build/kiln/derivation"
	"kiln.build/kiln/internal/lock"
	"kiln.build/kiln/internal/sortedset"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// Substituter is an external store that can supply a store object's
// metadata and NAR stream, per spec §4.H.4.
type Substituter interface {
	Info(ctx context.Context, path storepath.Path) (*store.NARInfo, error)
	WriteNAR(ctx context.Context, info *store.NARInfo, dst io.Writer) error
}

// Options configures an [Engine].
type Options struct {
	// MaxJobs bounds the number of concurrently running builds.
	// Zero means 1.
	MaxJobs int
	// MaxSubstitutions bounds the number of concurrent substitution
	// downloads. Zero means MaxJobs.
	MaxSubstitutions int
	// Substituters are tried in order for every path substitution goal
	// (spec §4.H.4).
	Substituters []Substituter
	// RequireSignedSubstitutes, if set, rejects substituted paths that
	// are not content-addressed and carry no signature verifying
	// against TrustedKeys.
	RequireSignedSubstitutes bool
	TrustedKeys              []store.PublicKey
	// Builder runs a single derivation build (spec §4.I). If nil, builds
	// always fail.
	Builder BuildRunner

	// BuildDir is the parent directory for a builder's per-build scratch
	// directory. Empty means the OS default temporary directory.
	BuildDir string
	// MaxSilentTime and BuildTimeout bound how long a build may run with
	// no log output and in total, respectively (spec §4.I.4). Zero means
	// unbounded.
	MaxSilentTime time.Duration
	BuildTimeout  time.Duration
	// MaxLogSize bounds how many bytes of builder output are retained
	// before the build is killed. Zero means unbounded.
	MaxLogSize int64
	// BuildLog, if non-nil, receives a copy of every build's combined
	// standard output and standard error.
	BuildLog io.Writer
}

// Engine is the single realisation-engine instance for a store: it
// deduplicates goals by [Key] (spec §4.H.1's "at most one active goal per
// key"), bounds concurrent building/substitution work, and serialises
// output-path locking through [lock.LockPaths].
type Engine struct {
	dir storepath.Directory
	db  *store.DB
	opt Options

	// buildSem and subSem bound concurrent Building goals and
	// concurrent substitution downloads respectively (spec §4.H.3).
	buildSem *semaphore.Weighted
	subSem   *semaphore.Weighted

	mu      sync.Mutex
	pending map[Key]*future
}

// future memoizes the outcome of a goal so that concurrent requests for
// the same [Key] observe the same result instead of running twice.
type future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) fulfill(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

func (f *future) wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New returns a new [Engine] backed by db, rooted at dir.
func New(dir storepath.Directory, db *store.DB, opt Options) *Engine {
	if opt.MaxJobs <= 0 {
		opt.MaxJobs = 1
	}
	if opt.MaxSubstitutions <= 0 {
		opt.MaxSubstitutions = opt.MaxJobs
	}
	e := &Engine{
		dir:      dir,
		db:       db,
		opt:      opt,
		pending:  make(map[Key]*future),
		buildSem: semaphore.NewWeighted(int64(opt.MaxJobs)),
		subSem:   semaphore.NewWeighted(int64(opt.MaxSubstitutions)),
	}
	return e
}

// run deduplicates concurrent calls sharing the same key: the first
// caller runs fn, and every caller (including the first) waits on the
// shared [future]. This is the "at most one active goal per key"
// invariant of spec §4.H.1.
func (e *Engine) run(ctx context.Context, key Key, fn func(context.Context) (any, error)) (any, error) {
	e.mu.Lock()
	f, inFlight := e.pending[key]
	if !inFlight {
		f = newFuture()
		e.pending[key] = f
	}
	e.mu.Unlock()

	if !inFlight {
		go func() {
			result, err := fn(context.WithoutCancel(ctx))
			e.mu.Lock()
			delete(e.pending, key)
			e.mu.Unlock()
			f.fulfill(result, err)
		}()
	}
	return f.wait(ctx)
}

// Realize realizes the wanted outputs of the derivation at drvPath (spec
// §4.H's top-level entry point), returning the resulting output paths
// keyed by output name.
func (e *Engine) Realize(ctx context.Context, drvPath storepath.Path, wantedOutputs *sortedset.Set[string], mode BuildMode) (map[string]storepath.Path, error) {
	if wantedOutputs == nil || wantedOutputs.Len() == 0 {
		wantedOutputs = sortedset.New(derivation.DefaultOutputName)
	}
	key := derivationKey(drvPath, wantedOutputs)
	result, err := e.run(ctx, key, func(ctx context.Context) (any, error) {
		g := &derivationGoal{
			e:             e,
			key:           key,
			drvPath:       drvPath,
			wantedOutputs: wantedOutputs,
			mode:          mode,
		}
		return g.run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]storepath.Path), nil
}

// Substitute obtains path from a substituter, verifying its signature or
// content address (spec §4.H.1's PathSubstitutionGoal).
func (e *Engine) Substitute(ctx context.Context, path storepath.Path) error {
	key := substitutionKey(path)
	_, err := e.run(ctx, key, func(ctx context.Context) (any, error) {
		g := &substitutionGoal{e: e, key: key, path: path}
		return nil, g.run(ctx)
	})
	return err
}

// lockOutputs acquires exclusive locks on every path in paths, sorted to
// avoid deadlock (spec §4.F), for the duration of a build.
func (e *Engine) lockOutputs(ctx context.Context, paths []storepath.Path) (*lock.Handle, error) {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = string(p)
	}
	return lock.LockPaths(ctx, names, true)
}

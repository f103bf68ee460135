// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/log"

	"kiln.build/kiln/derivation"
	"kiln.build/kiln/storepath"
)

// BuildRunner runs a single derivation's builder program to completion, per
// spec §4.I. Implementations are responsible for pre-flight checks,
// constructing the builder's environment, supervising the process, and
// classifying how it failed; output validation and registration happen in
// the derivation goal once Run returns.
type BuildRunner interface {
	Run(ctx context.Context, req *BuildRequest) error
}

// BuildRequest describes a single invocation of a derivation's builder.
type BuildRequest struct {
	DrvPath     storepath.Path
	Drv         *derivation.Derivation
	OutputPaths map[string]storepath.Path // destination of each output, possibly temporary
	BuildDir    string                    // parent directory for per-build scratch directories

	MaxSilentTime time.Duration // builder produces no log output for this long: [ErrTimedOut]
	BuildTimeout  time.Duration // whole build runs longer than this: [ErrTimedOut]
	MaxLogSize    int64         // builder log output exceeds this many bytes: [ErrLogLimitExceeded]

	// Log, if non-nil, receives a copy of everything the builder writes to
	// standard output and standard error.
	Log io.Writer
}

// Errors returned by [ExecBuilder.Run], classified per spec §4.I.4.
var (
	ErrTimedOut         = fmt.Errorf("build timed out")
	ErrLogLimitExceeded = fmt.Errorf("build log exceeded size limit")
)

// ExecBuilder runs a derivation's builder as a plain child process of the
// daemon. Platform-specific sandboxing (chroot, namespaces, resource
// limits) is out of scope here per spec §4.I.3 and is left to whatever
// wraps the daemon process itself; ExecBuilder execs the builder directly.
type ExecBuilder struct{}

func (ExecBuilder) Run(ctx context.Context, req *BuildRequest) error {
	if req.Drv.System != "" {
		if host := currentSystem(); req.Drv.System != host {
			return permanentf("", "a %s system is required, but host is %s", req.Drv.System, host)
		}
	}

	topTempDir, err := os.MkdirTemp(req.BuildDir, "kiln-build-"+req.Drv.Name+"-*")
	if err != nil {
		return fmt.Errorf("build %s: %v", req.DrvPath, err)
	}
	defer func() {
		if err := os.RemoveAll(topTempDir); err != nil {
			log.Warnf(ctx, "Failed to clean up %s: %v", topTempDir, err)
		}
	}()

	var rewrites []string
	for outName, outPath := range req.OutputPaths {
		rewrites = append(rewrites, derivation.HashPlaceholder(outName), string(outPath))
	}
	r := strings.NewReplacer(rewrites...)

	builder := r.Replace(req.Drv.Builder)
	args := make([]string, len(req.Drv.Args))
	for i, a := range req.Drv.Args {
		args[i] = r.Replace(a)
	}
	env := make(map[string]string, len(req.Drv.Env))
	for k, v := range req.Drv.Env {
		env[k] = r.Replace(v)
	}
	fillBaseEnv(env, req.Drv.Dir, topTempDir)
	for outName, outPath := range req.OutputPaths {
		envVar := "out"
		if outName != derivation.DefaultOutputName {
			envVar = outName
		}
		setDefault(env, envVar, string(outPath))
	}

	buildCtx := ctx
	if req.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, req.BuildTimeout)
		defer cancel()
	}

	c := exec.CommandContext(buildCtx, builder, args...)
	setCancelFunc(c)
	c.Dir = topTempDir
	for _, k := range sortedEnvKeys(env) {
		c.Env = append(c.Env, k+"="+env[k])
	}

	silence := make(chan struct{}, 1)
	w := &watchdogWriter{inner: req.Log, activity: silence, limit: req.MaxLogSize}
	c.Stdout = w
	c.Stderr = w

	done := make(chan error, 1)
	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	silenced := make(chan struct{})
	if req.MaxSilentTime > 0 {
		go watchForSilence(watchdogCtx, req.MaxSilentTime, silence, func() {
			close(silenced)
			if c.Process != nil {
				c.Process.Kill()
			}
		})
	}

	log.Debugf(ctx, "Starting builder for %s...", req.DrvPath)
	go func() { done <- c.Run() }()

	select {
	case err := <-done:
		if w.exceeded {
			return permanentf("", "%w", ErrLogLimitExceeded)
		}
		if err != nil {
			select {
			case <-silenced:
				return transientf("", "%w: no output for %v", ErrTimedOut, req.MaxSilentTime)
			default:
			}
			if buildCtx.Err() != nil {
				return transientf("", "%w: %v", ErrTimedOut, buildCtx.Err())
			}
			return permanentf("", "builder failed: %v", err)
		}
		return nil
	case <-ctx.Done():
		if c.Process != nil {
			c.Process.Kill()
		}
		<-done
		return transientf("", "%v", ctx.Err())
	}
}

// watchdogWriter copies builder output to inner (if set), signals activity
// on a buffered channel for the silent-time watchdog, and refuses to copy
// past limit bytes total.
type watchdogWriter struct {
	inner    io.Writer
	activity chan<- struct{}
	limit    int64
	written  int64
	exceeded bool
}

func (w *watchdogWriter) Write(p []byte) (int, error) {
	select {
	case w.activity <- struct{}{}:
	default:
	}
	if w.limit > 0 {
		w.written += int64(len(p))
		if w.written > w.limit {
			w.exceeded = true
			return 0, ErrLogLimitExceeded
		}
	}
	if w.inner != nil {
		return w.inner.Write(p)
	}
	return len(p), nil
}

func watchForSilence(ctx context.Context, maxSilence time.Duration, activity <-chan struct{}, onTimeout func()) {
	t := time.NewTimer(maxSilence)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-activity:
			if !t.Stop() {
				<-t.C
			}
			t.Reset(maxSilence)
		case <-t.C:
			onTimeout()
			return
		}
	}
}

// fillBaseEnv sets the ambient environment variables a builder can expect
// to find (spec §4.I.2), without overriding any the derivation already set.
func fillBaseEnv(env map[string]string, storeDir storepath.Directory, workDir string) {
	setDefault(env, "PATH", "/path-not-set")
	setDefault(env, "HOME", "/homeless-shelter")
	setDefault(env, "NIX_STORE", string(storeDir))
	setDefault(env, "NIX_BUILD_TOP", workDir)
	setDefault(env, "NIX_BUILD_CORES", fmt.Sprintf("%d", runtime.NumCPU()))
	setDefault(env, "TMPDIR", workDir)
	setDefault(env, "TEMPDIR", workDir)
	setDefault(env, "TMP", workDir)
	setDefault(env, "TEMP", workDir)
	setDefault(env, "PWD", workDir)
	setDefault(env, "TERM", "xterm-256color")
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func currentSystem() string {
	goos, goarch := runtime.GOOS, runtime.GOARCH
	switch goarch {
	case "amd64":
		goarch = "x86_64"
	case "arm64":
		goarch = "aarch64"
	}
	return goarch + "-" + goos
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Command kilnd is the store daemon: it owns the valid-path database, the
// realisation engine, and the garbage collector, and serves them to
// clients over the wire protocol in internal/wire (spec §4.K).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"
	"go4.org/xdgdir"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"kiln.build/kiln/internal/engine"
	"kiln.build/kiln/internal/gc"
	"kiln.build/kiln/internal/wire"
	"kiln.build/kiln/store"
	"kiln.build/kiln/storepath"
)

// kilndVersion is filled in by the linker (e.g. "1.2.3").
var kilndVersion string

func main() {
	opts := newOptionsFromFlags()
	initLogging(opts.debug)
	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

type options struct {
	storeDir     storepath.Directory
	stateDir     string
	socketPath   string
	debug        bool
	maxJobs      int
	requireTrust bool
}

func newOptionsFromFlags() *options {
	opts := &options{
		stateDir: filepath.Join(defaultVarDir(), "kilnd"),
		maxJobs:  1,
	}
	dir, err := storepath.DirectoryFromEnvironment()
	if err != nil {
		dir = storepath.DefaultUnixDirectory
	}
	opts.storeDir = dir

	fs := pflag.NewFlagSet("kilnd", pflag.ExitOnError)
	fs.Var((*directoryFlag)(&opts.storeDir), "store", "store `directory`")
	fs.StringVar(&opts.stateDir, "state", opts.stateDir, "daemon state `directory` (database, GC roots, lock files)")
	fs.StringVar(&opts.socketPath, "socket", "", "Unix domain socket `path` (default: <state>/server.sock; ignored under systemd socket activation)")
	fs.IntVar(&opts.maxJobs, "max-jobs", opts.maxJobs, "maximum number of concurrent builds")
	fs.BoolVar(&opts.requireTrust, "require-trust", false, "reject connections as untrusted rather than granting default trust")
	fs.BoolVar(&opts.debug, "debug", false, "show debugging output")
	fs.Parse(os.Args[1:])

	if opts.socketPath == "" {
		opts.socketPath = filepath.Join(opts.stateDir, "server.sock")
	}
	return opts
}

type directoryFlag storepath.Directory

func (f *directoryFlag) String() string { return string(*f) }
func (f *directoryFlag) Type() string   { return "directory" }
func (f *directoryFlag) Set(s string) error {
	dir, err := storepath.CleanDirectory(s)
	if err != nil {
		return err
	}
	*f = directoryFlag(dir)
	return nil
}

func defaultVarDir() string {
	if dir := os.Getenv("KILN_STATE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(xdgdir.Cache.Path(), "kiln")
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "kilnd: ", log.StdFlags, nil),
		})
	})
}

func run(ctx context.Context, opts *options) error {
	if !opts.storeDir.IsNative() {
		return fmt.Errorf("%s cannot be used on this system", opts.storeDir)
	}
	for _, dir := range []string{opts.stateDir, string(opts.storeDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	gcRootsDir := filepath.Join(opts.stateDir, "gcroots")
	autoRootsDir := filepath.Join(gcRootsDir, "auto")
	tempRootsDir := filepath.Join(opts.stateDir, "temproots")
	for _, dir := range []string{gcRootsDir, autoRootsDir, tempRootsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db := store.OpenDB(filepath.Join(opts.stateDir, "db.sqlite"))
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf(ctx, "close database: %v", err)
		}
	}()

	eng := engine.New(opts.storeDir, db, engine.Options{
		MaxJobs: opts.maxJobs,
		Builder: engine.ExecBuilder{},
	})

	collector := gc.New(gc.Options{
		Dir:          opts.storeDir,
		DB:           db,
		GCRootsDir:   gcRootsDir,
		AutoRootsDir: autoRootsDir,
		TempRootsDir: tempRootsDir,
		LockPath:     filepath.Join(opts.stateDir, "gc.lock"),
	})

	trust := wire.Trusted
	if opts.requireTrust {
		trust = wire.NotTrusted
	}
	backend := &wire.Backend{
		Dir:     opts.storeDir,
		DB:      db,
		Engine:  eng,
		GC:      collector,
		Trust:   trust,
		Version: kilndVersion,
	}
	srv := wire.NewServer(backend)

	ln, err := listener(opts.socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof(ctx, "Listening on %s", ln.Addr())

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf(ctx, "systemd notify: %v", err)
	} else if ok {
		log.Debugf(ctx, "notified systemd of readiness")
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	go func() {
		<-ctx.Done()
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, conn); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Errorf(ctx, "connection: %v", err)
			}
		}()
	}
}

// listener returns a listener for the daemon's socket, preferring a
// systemd socket-activation file descriptor (LISTEN_FDS/LISTEN_PID) over
// binding socketPath itself, mirroring how a systemd .socket unit hands
// kilnd an already-bound listener for on-demand activation.
func listener(socketPath string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("systemd socket activation: %v", err)
	}
	if len(listeners) > 0 {
		return listeners[0], nil
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", socketPath)
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

// Command kiln is the client for a kilnd store daemon: it speaks the
// wire protocol in internal/wire over a Unix domain socket (spec §4.K).
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go4.org/xdgdir"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"

	"kiln.build/kiln/storepath"
)

// kilnVersion is filled in by the linker (e.g. "1.2.3").
var kilnVersion string

type globalConfig struct {
	socketPath string
	storeDir   storepath.Directory
}

func defaultSocketPath() string {
	if path := os.Getenv("KILN_STORE_SOCKET"); path != "" {
		return path
	}
	return filepath.Join(xdgdir.Cache.Path(), "kiln", "server.sock")
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "kiln",
		Short:         "kiln store client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	dir, err := storepath.DirectoryFromEnvironment()
	if err != nil {
		dir = storepath.DefaultUnixDirectory
	}
	g := &globalConfig{
		socketPath: defaultSocketPath(),
		storeDir:   dir,
	}
	rootCommand.PersistentFlags().StringVar(&g.socketPath, "socket", g.socketPath, "kilnd `socket` path")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(
		newIsValidCommand(g),
		newPathInfoCommand(g),
		newAddCommand(g),
		newBuildCommand(g),
		newGCCommand(g),
		newVersionCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err = rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
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
			Output: log.New(os.Stderr, "kiln: ", log.StdFlags, nil),
		})
	})
}

// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kiln.build/kiln/internal/gc"
	"kiln.build/kiln/internal/wire"
	"kiln.build/kiln/nar"
)

func dial(ctx context.Context, g *globalConfig) (*wire.Client, error) {
	return wire.Dial(ctx, "unix", g.socketPath)
}

func newIsValidCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "is-valid PATH [...]",
		Short:                 "check whether store paths are registered",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context(), g)
		if err != nil {
			return err
		}
		defer client.Close()

		allValid := true
		for _, arg := range args {
			p, _, err := g.storeDir.ParsePath(arg)
			if err != nil {
				return err
			}
			valid, err := client.IsValidPath(cmd.Context(), p)
			if err != nil {
				return err
			}
			if !valid {
				allValid = false
			}
			fmt.Printf("%s\t%v\n", p, valid)
		}
		if !allValid {
			return fmt.Errorf("one or more paths are not valid")
		}
		return nil
	}
	return c
}

func newPathInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "path-info PATH",
		Short:                 "show a store path's registered metadata",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context(), g)
		if err != nil {
			return err
		}
		defer client.Close()

		p, _, err := g.storeDir.ParsePath(args[0])
		if err != nil {
			return err
		}
		info, err := client.QueryPathInfo(cmd.Context(), p)
		if err != nil {
			return err
		}
		fmt.Printf("Path:       %s\n", info.StorePath)
		fmt.Printf("NAR hash:   %s\n", info.NARHash.SRI())
		fmt.Printf("NAR size:   %d\n", info.NARSize)
		if info.Deriver != "" {
			fmt.Printf("Deriver:    %s\n", info.Deriver)
		}
		for i := 0; i < info.References.Len(); i++ {
			fmt.Printf("Reference:  %s\n", info.References.At(i))
		}
		return nil
	}
	return c
}

func newAddCommand(g *globalConfig) *cobra.Command {
	var name string
	c := &cobra.Command{
		Use:                   "add PATH",
		Short:                 "add a file or directory tree to the store",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&name, "name", "", "store object `name` (default: base name of PATH)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		src := args[0]
		if name == "" {
			name = filepath.Base(filepath.Clean(src))
		}

		var buf bytes.Buffer
		if err := nar.DumpPath(&buf, src); err != nil {
			return err
		}

		client, err := dial(cmd.Context(), g)
		if err != nil {
			return err
		}
		defer client.Close()

		path, err := client.AddToStore(cmd.Context(), name, buf.Bytes())
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}
	return c
}

func newGCCommand(g *globalConfig) *cobra.Command {
	var print bool
	var deleteDead bool
	var maxFreed int64
	c := &cobra.Command{
		Use:                   "gc",
		Short:                 "run the garbage collector",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&print, "print-dead", false, "print dead paths instead of deleting them")
	c.Flags().BoolVar(&deleteDead, "delete", false, "delete dead paths (default unless --print-dead is given)")
	c.Flags().Int64Var(&maxFreed, "max-freed", 0, "stop after freeing this many bytes (0 = unlimited)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context(), g)
		if err != nil {
			return err
		}
		defer client.Close()

		mode := gc.ReturnDead
		if deleteDead || !print {
			mode = gc.DeleteDead
		}
		result, err := client.CollectGarbage(cmd.Context(), gc.RunOptions{
			Mode:     mode,
			MaxFreed: maxFreed,
		})
		if err != nil {
			return err
		}
		if mode == gc.ReturnDead {
			for i := 0; i < result.Dead.Len(); i++ {
				fmt.Fprintln(os.Stdout, result.Dead.At(i))
			}
			return nil
		}
		for _, p := range result.Deleted {
			fmt.Fprintln(os.Stdout, p)
		}
		if result.BytesFreed > 0 {
			fmt.Fprintf(os.Stderr, "%d bytes freed\n", result.BytesFreed)
		}
		return nil
	}
	return c
}

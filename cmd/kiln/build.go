// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kiln.build/kiln/internal/engine"
	"kiln.build/kiln/storepath"
)

func newBuildCommand(g *globalConfig) *cobra.Command {
	var repair bool
	var check bool
	var outLink string
	c := &cobra.Command{
		Use:                   "build DRV-PATH [OUTPUT [...]]",
		Short:                 "realise a derivation's outputs",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&repair, "repair", false, "rebuild even if the output is already valid")
	c.Flags().BoolVar(&check, "check", false, "rebuild and compare against the existing output without replacing it")
	c.Flags().StringVarP(&outLink, "out-link", "o", "result", "name of the output path symlink to create")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		drvPath, _, err := g.storeDir.ParsePath(args[0])
		if err != nil {
			return err
		}
		wantedOutputs := args[1:]
		if len(wantedOutputs) == 0 {
			wantedOutputs = []string{"out"}
		}

		mode := engine.Normal
		switch {
		case repair && check:
			return fmt.Errorf("--repair and --check are mutually exclusive")
		case repair:
			mode = engine.Repair
		case check:
			mode = engine.Check
		}

		client, err := dial(cmd.Context(), g)
		if err != nil {
			return err
		}
		defer client.Close()

		outputs, err := client.BuildDerivation(cmd.Context(), drvPath, wantedOutputs, mode)
		if err != nil {
			return err
		}
		for _, name := range wantedOutputs {
			path, ok := outputs[name]
			if !ok {
				return fmt.Errorf("build %s: no output %q", drvPath, name)
			}
			if outLink != "" {
				linkName := outLink
				if len(wantedOutputs) > 1 {
					linkName = fmt.Sprintf("%s-%s", outLink, name)
				}
				if err := symlinkOutput(linkName, path); err != nil {
					return err
				}
			}
			fmt.Println(path)
		}
		return nil
	}
	return c
}

func symlinkOutput(linkName string, path storepath.Path) error {
	if err := os.Remove(linkName); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(string(path), linkName)
}

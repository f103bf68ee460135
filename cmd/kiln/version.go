// Copyright 2025 The Kiln Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		if kilnVersion == "" {
			fmt.Println("kiln (version unknown)")
		} else {
			fmt.Println("kiln version " + kilnVersion)
		}
		return nil
	}
	return c
}

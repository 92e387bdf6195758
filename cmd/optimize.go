// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"time"

	"github.com/bdpedigo/cavelake/ctl"
	"github.com/spf13/cobra"
)

func newOptimizeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewOptimizeCommand(stdin, stdout, stderr)
	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Z-order, filter and vacuum an existing table.",
		Long: `Re-run the maintenance steps of "run" against the table at out-path.

Useful after a run was interrupted between the write and the optimize, or to
re-cluster with different columns.
`,
		RunE: func(c *cobra.Command, args []string) error {
			closer, err := ctl.SetupLogger(cmd.CmdIO, cmd.Config.Verbose, cmd.Config.LogPath)
			if err != nil {
				return err
			}
			defer closer.Close()
			return cmd.Run(context.Background())
		},
	}
	ctl.BuildConfigFlags(optimizeCmd, cmd.Config)
	return optimizeCmd
}

func newVacuumCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewVacuumCommand(stdin, stdout, stderr)
	var verbose bool
	var logPath string
	vacuumCmd := &cobra.Command{
		Use:   "vacuum <table>",
		Short: "Remove files a table no longer references.",
		Long: `Remove data files, filters and temporary commit files that are not part of
the latest version of the table and are older than the retention.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			closer, err := ctl.SetupLogger(cmd.CmdIO, verbose, logPath)
			if err != nil {
				return err
			}
			defer closer.Close()
			cmd.Path = args[0]
			return cmd.Run(context.Background())
		},
	}
	flags := vacuumCmd.Flags()
	flags.DurationVar((*time.Duration)(&cmd.Retention), "retention", time.Duration(cmd.Retention), "Keep unreferenced files younger than this.")
	flags.BoolVar(&cmd.DryRun, "dry-run", false, "List the files without removing them.")
	ctl.BuildLogFlags(vacuumCmd, &verbose, &logPath)
	return vacuumCmd
}

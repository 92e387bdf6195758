// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/bdpedigo/cavelake/ctl"
	"github.com/spf13/cobra"
)

func newRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewRunCommand(stdin, stdout, stderr)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Convert one materialized table.",
		Long: `Convert one materialized table into a partitioned parquet table.

Optionally requests the CSV export, then stages the export, translates its
schema, decodes point columns, assigns each row a partition and appends the
rows in chunks of n-rows-per-chunk. The finished table is z-ordered, given
bloom filters on bloom-filter-columns and vacuumed.
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
	ctl.BuildConfigFlags(runCmd, cmd.Config)
	return runCmd
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/bdpedigo/cavelake/ctl"
	"github.com/spf13/cobra"
)

func newInspectCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewInspectCommand(stdin, stdout, stderr)
	inspectCmd := &cobra.Command{
		Use:   "inspect <table>",
		Short: "Print the schema, partitions and history of a table.",
		Long: `
Inspects a table and provides stats.

With --lookup-column and --lookup-key, also reports how many files may hold
the key once partitions, file statistics and bloom filters are consulted.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cmd.Path = args[0]
			return cmd.Run(context.Background())
		},
	}
	flags := inspectCmd.Flags()
	flags.Int64Var(&cmd.Version, "at-version", cmd.Version, "Table version to inspect. Negative means the latest.")
	flags.BoolVar(&cmd.Files, "files", false, "List every live data file.")
	flags.StringVar(&cmd.LookupColumn, "lookup-column", "", "Integer column to look a key up in.")
	flags.Int64Var(&cmd.LookupKey, "lookup-key", 0, "Key to look up.")
	return inspectCmd
}

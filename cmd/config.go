// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/bdpedigo/cavelake/ctl"
	"github.com/spf13/cobra"
)

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewConfigCommand(stdin, stdout, stderr)
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the current configuration.",
		Long: `config prints the configuration "run" would use after reading flags,
environment variables and the config file. The auth token is masked.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(context.Background())
		},
	}
	ctl.BuildConfigFlags(configCmd, cmd.Config)
	return configCmd
}

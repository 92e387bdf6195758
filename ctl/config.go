// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/bdpedigo/cavelake"
	toml "github.com/pelletier/go-toml"
)

// ConfigCommand represents a command for printing the effective config.
type ConfigCommand struct {
	*cavelake.CmdIO
	Config *cavelake.Config
}

// NewConfigCommand returns a new instance of ConfigCommand.
func NewConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		CmdIO:  cavelake.NewCmdIO(stdin, stdout, stderr),
		Config: cavelake.NewConfig(),
	}
}

// Run prints out the config as TOML. The auth token is masked.
func (cmd *ConfigCommand) Run(_ context.Context) error {
	cfg := *cmd.Config
	cfg.Normalize()
	if cfg.AuthToken != "" {
		cfg.AuthToken = "********"
	}
	buf, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, string(buf))
	return nil
}

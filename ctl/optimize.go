// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/lake"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/optimize"
	"github.com/dustin/go-humanize"
)

// OptimizeCommand re-runs the post-write maintenance on an existing table.
type OptimizeCommand struct {
	*cavelake.CmdIO
	Config *cavelake.Config

	Report *optimize.Report
}

// NewOptimizeCommand returns a new instance of OptimizeCommand.
func NewOptimizeCommand(stdin io.Reader, stdout, stderr io.Writer) *OptimizeCommand {
	return &OptimizeCommand{
		CmdIO:  cavelake.NewCmdIO(stdin, stdout, stderr),
		Config: cavelake.NewConfig(),
	}
}

// Run clusters, filters and vacuums the table at the configured out path.
func (cmd *OptimizeCommand) Run(ctx context.Context) error {
	cfg := cmd.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	tbl, err := openExisting(cfg.ResolvedOutPath(), cmd.Logger())
	if err != nil {
		return err
	}
	o := &optimize.Optimizer{
		Table:             tbl,
		ZOrderColumns:     cfg.ZOrderColumns,
		FilterColumns:     cfg.BloomFilterColumns,
		FPP:               cfg.FPP,
		TargetRowsPerFile: int64(cfg.TargetRowsPerFile),
		Logger:            cmd.Logger(),
	}
	cmd.Report, err = o.Run(ctx)
	return err
}

// VacuumCommand removes files no longer referenced by a table.
type VacuumCommand struct {
	*cavelake.CmdIO

	Path      string
	Retention cavelake.Duration
	DryRun    bool
}

// NewVacuumCommand returns a new instance of VacuumCommand.
func NewVacuumCommand(stdin io.Reader, stdout, stderr io.Writer) *VacuumCommand {
	return &VacuumCommand{
		CmdIO: cavelake.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run vacuums the table, printing each removed file.
func (cmd *VacuumCommand) Run(_ context.Context) error {
	if cmd.Retention < 0 {
		return errors.Newf(errors.ErrConfiguration, "retention must not be negative, got %v", cmd.Retention)
	}
	tbl, err := openExisting(cmd.Path, cmd.Logger())
	if err != nil {
		return err
	}
	res, err := tbl.Vacuum(lake.VacuumOptions{Retention: time.Duration(cmd.Retention), DryRun: cmd.DryRun})
	if err != nil {
		return err
	}
	for _, f := range res.Files {
		fmt.Fprintln(cmd.Stdout, f)
	}
	verb := "removed"
	if cmd.DryRun {
		verb = "would remove"
	}
	cmd.Logger().Infof("%s %d files (%s)", verb, len(res.Files), humanize.Bytes(uint64(res.Bytes)))
	return nil
}

// openExisting opens a table that must already have at least one version.
func openExisting(path string, log logger.Logger) (*lake.Table, error) {
	if _, err := os.Stat(filepath.Join(path, lake.LogDir)); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrConfiguration, "%s is not a table", path)
		}
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return lake.Open(path, lake.Options{Logger: log.WithPrefix("lake: ")})
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package optimize runs the maintenance that follows a completed write:
// z-order clustering, bloom filters and a vacuum of superseded files.
package optimize

import (
	"context"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/lake"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/dustin/go-humanize"
)

// Maintainer is the subset of *lake.Table the optimizer drives.
type Maintainer interface {
	ZOrder(ctx context.Context, opts lake.ZOrderOptions) (*lake.RewriteResult, error)
	AttachFilters(ctx context.Context, columns []string, fpp float64) (*lake.RewriteResult, error)
	Vacuum(opts lake.VacuumOptions) (*lake.VacuumResult, error)
}

// Report records what each step did. A nil field means the step was
// skipped.
type Report struct {
	ZOrder  *lake.RewriteResult
	Filters *lake.RewriteResult
	Vacuum  *lake.VacuumResult
	Elapsed time.Duration
}

// Optimizer clusters, filters and vacuums one table.
type Optimizer struct {
	Table             Maintainer
	ZOrderColumns     []string
	FilterColumns     []string
	FPP               float64
	TargetRowsPerFile int64
	Logger            logger.Logger
}

// Run executes the steps in order. With z-order columns the filters are
// built on the rewritten files as part of the same commit; without them the
// filters are attached to the existing files. The vacuum uses zero
// retention since nothing reads the table while it runs.
func (o *Optimizer) Run(ctx context.Context) (*Report, error) {
	log := o.Logger
	if log == nil {
		log = logger.NopLogger
	}
	if len(o.FilterColumns) > 0 && (o.FPP <= 0 || o.FPP >= 1) {
		return nil, errors.Newf(errors.ErrConfiguration, "false positive rate must be in (0, 1), got %v", o.FPP)
	}
	start := time.Now()
	rep := &Report{}

	switch {
	case len(o.ZOrderColumns) > 0:
		res, err := o.Table.ZOrder(ctx, lake.ZOrderOptions{
			Columns:           o.ZOrderColumns,
			TargetRowsPerFile: o.TargetRowsPerFile,
			FilterColumns:     o.FilterColumns,
			FPP:               o.FPP,
		})
		if err != nil {
			return nil, errors.Wrap(err, "z-ordering")
		}
		rep.ZOrder = res
		log.Infof("z-ordered by %v: %d files rewritten as %d (version %d)", o.ZOrderColumns, res.FilesRemoved, res.FilesAdded, res.Version)
	case len(o.FilterColumns) > 0:
		res, err := o.Table.AttachFilters(ctx, o.FilterColumns, o.FPP)
		if err != nil {
			return nil, errors.Wrap(err, "attaching filters")
		}
		rep.Filters = res
		log.Infof("attached %v filters to %d files (version %d)", o.FilterColumns, res.FilesAdded, res.Version)
	default:
		log.Infof("no z-order or filter columns; skipping rewrite")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vac, err := o.Table.Vacuum(lake.VacuumOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "vacuuming")
	}
	rep.Vacuum = vac
	log.Infof("vacuum removed %d files (%s)", len(vac.Files), humanize.Bytes(uint64(vac.Bytes)))

	rep.Elapsed = time.Since(start)
	return rep, nil
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/backoff"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/export"
	"github.com/bdpedigo/cavelake/ingest"
	"github.com/bdpedigo/cavelake/lake"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/bdpedigo/cavelake/optimize"
	"github.com/bdpedigo/cavelake/partition"
	"github.com/bdpedigo/cavelake/plan"
	"github.com/bdpedigo/cavelake/schema"
	"github.com/bdpedigo/cavelake/segindex"
	"github.com/bdpedigo/cavelake/stage"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// RunCommand moves one materialized table into a partitioned output table:
// export, stage, translate, write, optimize.
type RunCommand struct {
	*cavelake.CmdIO
	Config *cavelake.Config

	// Remap, when set, translates partition ids before the modulus.
	Remap partition.Remapper

	// HTTPClient is used for export requests. Nil uses the default client.
	HTTPClient *http.Client

	// Stager overrides the stager built from Config, mostly for tests.
	Stager *stage.Stager

	// Summary of the last Run.
	Jobs   []*export.Job
	Stats  ingest.Stats
	Report *optimize.Report
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand(stdin io.Reader, stdout, stderr io.Writer) *RunCommand {
	return &RunCommand{
		CmdIO:  cavelake.NewCmdIO(stdin, stdout, stderr),
		Config: cavelake.NewConfig(),
	}
}

// Run executes the pipeline. When Config.Stats is set, metrics are served
// on that address until the pipeline finishes.
func (cmd *RunCommand) Run(ctx context.Context) error {
	if err := cmd.Config.Validate(); err != nil {
		return err
	}
	if cmd.Config.Stats == "" {
		return cmd.run(ctx)
	}
	return serveStats(ctx, cmd.Config.Stats, cmd.Logger(), cmd.run)
}

// serveStats runs fn while serving metrics on addr.
func serveStats(ctx context.Context, addr string, log logger.Logger, fn func(context.Context) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithCode(errors.Wrapf(err, "listening on %s", addr), errors.ErrConfiguration)
	}
	srv := &http.Server{Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
	log.Infof("serving metrics on http://%s/metrics", ln.Addr())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serving metrics")
		}
		return nil
	})
	eg.Go(func() error {
		defer srv.Close()
		return fn(ctx)
	})
	return eg.Wait()
}

func (cmd *RunCommand) run(ctx context.Context) (err error) {
	cfg := cmd.Config
	log := cmd.Logger()
	start := time.Now()

	if cfg.TriggerExport {
		if err := cmd.triggerExport(ctx); err != nil {
			return err
		}
	}

	stager := cmd.Stager
	if stager == nil {
		stager = stage.NewStager(cfg.TempDir, log.WithPrefix("stage: "))
		stager.S3Region = cfg.S3Region
		if cfg.GCSCredentials != "" {
			stager.GCSOptions = append(stager.GCSOptions, option.WithCredentialsFile(cfg.GCSCredentials))
		}
	}
	stager.Keep = cfg.KeepStaged
	defer func() {
		if err != nil {
			if cerr := stager.Cleanup(); cerr != nil {
				log.Warnf("cleaning up staged files: %v", cerr)
			}
		}
		stager.Close()
	}()

	base, err := cmd.stageTable(ctx, stager, cfg.TableName)
	if err != nil {
		return err
	}
	sch, err := schema.Translate(base.desc, schema.NewOverrides(cfg.BoolStringColumns...))
	if err != nil {
		return errors.Wrapf(err, "translating schema of %s", cfg.TableName)
	}

	steps := []plan.Step{plan.Drop(cfg.DropColumns...)}
	coerced := sch.Coerced()
	if seg := cfg.SegmentationTable(); seg != "" {
		idx, segSchema, err := cmd.indexSegmentation(ctx, stager, seg)
		if err != nil {
			return err
		}
		defer func() {
			idx.Close()
			if !cfg.KeepStaged {
				os.Remove(idx.Path())
			}
		}()
		steps = append(steps, plan.Join(idx, segSchema, "id"))
		coerced = append(coerced, segSchema.Coerced()...)
	}

	assigner, err := partition.New(cfg.NPartitions)
	if err != nil {
		return err
	}
	assigner.Remap = cmd.Remap
	steps = append(steps,
		plan.CoerceBooleans(coerced...),
		plan.DecodePositions(),
		plan.AssignPartition(cfg.PartitionColumn, cavelake.PartitionSuffix, assigner),
	)
	p, err := plan.New(plan.File(base.data), sch).Chain(steps...)
	if err != nil {
		return err
	}
	defer p.Close()
	log.Debugf("plan: %v", p.Steps())

	out := cfg.ResolvedOutPath()
	tbl, err := lake.Open(out, lake.Options{
		PartitionSource: cfg.PartitionColumn,
		Partitions:      cfg.NPartitions,
		Logger:          log.WithPrefix("lake: "),
	})
	if err != nil {
		return err
	}
	log.Infof("writing %s to %s in chunks of %s rows", cfg.TableName, out, humanize.Comma(int64(cfg.RowsPerChunk)))

	writeStart := time.Now()
	w := ingest.NewWriter(p, tbl, int64(cfg.RowsPerChunk), cfg.PartitionBy(), log)
	cmd.Stats, err = w.Run(ctx)
	observe("write", writeStart)
	if err != nil {
		return err
	}

	// Staged inputs are no longer needed; free the disk before rewriting.
	if err := stager.Cleanup(); err != nil {
		return err
	}

	optStart := time.Now()
	o := &optimize.Optimizer{
		Table:             tbl,
		ZOrderColumns:     cfg.ZOrderColumns,
		FilterColumns:     cfg.BloomFilterColumns,
		FPP:               cfg.FPP,
		TargetRowsPerFile: int64(cfg.TargetRowsPerFile),
		Logger:            log.WithPrefix("optimize: "),
	}
	cmd.Report, err = o.Run(ctx)
	observe("optimize", optStart)
	if err != nil {
		return err
	}
	logger.Elapsed(log, start, "write "+cfg.TableName)
	return nil
}

// triggerExport requests a dump of every table and waits for the services'
// files to appear.
func (cmd *RunCommand) triggerExport(ctx context.Context) error {
	cfg := cmd.Config
	start := time.Now()
	defer observe("export", start)

	t := export.NewTrigger(cfg.ServerAddress, cfg.Datastack, cfg.Version, cmd.Logger())
	t.SetToken(cfg.AuthToken)
	t.HTTPClient = cmd.HTTPClient
	t.Policy.MaxAttempts = cfg.ExportMaxWait
	t.Policy.Interval = time.Duration(cfg.ExportInterval)

	var err error
	cmd.Jobs, err = t.RunAll(ctx, cfg.Tables()...)
	return err
}

// waitPolicy is how long to poll for a dump after the service accepted it.
func (cmd *RunCommand) waitPolicy() backoff.Policy {
	return backoff.Fixed(cmd.Config.ExportMaxWait, time.Duration(cmd.Config.ExportInterval), nil)
}

type stagedTable struct {
	desc schema.Descriptor
	data string
}

// stageTable makes the header and data of table available locally.
func (cmd *RunCommand) stageTable(ctx context.Context, stager *stage.Stager, table string) (*stagedTable, error) {
	cfg := cmd.Config
	start := time.Now()
	defer observe("stage", start)

	files := stage.Locate(cfg.MatDBCloudPath, cfg.Datastack, cfg.Version, table)
	if cfg.TriggerExport {
		if err := stager.WaitForObject(ctx, files.Table, cmd.waitPolicy()); err != nil {
			return nil, err
		}
	}
	if err := stager.Describe(ctx, files.Header, files.Table); err != nil {
		return nil, errors.Wrapf(err, "locating %s", table)
	}
	header, err := stager.Prepare(ctx, files.Header)
	if err != nil {
		return nil, err
	}
	desc, err := schema.ReadHeaderFile(header)
	if err != nil {
		return nil, errors.Wrapf(err, "reading header of %s", table)
	}
	data, err := stager.Prepare(ctx, files.Table)
	if err != nil {
		return nil, err
	}
	return &stagedTable{desc: desc, data: data}, nil
}

// indexSegmentation stages the segmentation table and loads it into an
// on-disk index keyed by id.
func (cmd *RunCommand) indexSegmentation(ctx context.Context, stager *stage.Stager, table string) (*segindex.Index, schema.Schema, error) {
	cfg := cmd.Config
	log := cmd.Logger()
	st, err := cmd.stageTable(ctx, stager, table)
	if err != nil {
		return nil, schema.Schema{}, err
	}
	segSchema, err := schema.Translate(st.desc, schema.NewOverrides(cfg.BoolStringColumns...))
	if err != nil {
		return nil, schema.Schema{}, errors.Wrapf(err, "translating schema of %s", table)
	}
	key := segSchema.Index("id")
	if key < 0 {
		return nil, schema.Schema{}, errors.Newf(errors.ErrSchema, "segmentation table %s has no id column", table)
	}

	start := time.Now()
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, schema.Schema{}, errors.Wrap(err, "creating temp dir")
	}
	path := filepath.Join(cfg.TempDir, table+".bolt")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, schema.Schema{}, errors.Wrap(err, "removing stale segmentation index")
	}
	idx, err := segindex.Open(path)
	if err != nil {
		return nil, schema.Schema{}, err
	}
	f, err := os.Open(st.data)
	if err != nil {
		idx.Close()
		return nil, schema.Schema{}, errors.Wrap(err, "opening segmentation rows")
	}
	defer f.Close()
	n, err := idx.Load(ctx, f, key, 0)
	if err != nil {
		idx.Close()
		return nil, schema.Schema{}, errors.Wrapf(err, "indexing %s", table)
	}
	observe("index", start)
	log.Infof("indexed %s segmentation rows from %s", humanize.Comma(int64(n)), table)
	return idx, segSchema, nil
}

func observe(name string, start time.Time) {
	metrics.SummaryStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

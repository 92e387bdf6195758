// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"io"
	"os"
	"time"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/spf13/cobra"
)

// BuildConfigFlags attaches a flag for every Config field to cmd. Flag names
// match the toml keys, so one name works on the command line, in the
// environment and in a config file.
func BuildConfigFlags(cmd *cobra.Command, cfg *cavelake.Config) {
	flags := cmd.Flags()
	flags.StringVar(&cfg.MatDBCloudPath, "mat-db-cloud-path", cfg.MatDBCloudPath, "Bucket prefix holding materialization exports (gs://, s3:// or a local directory).")
	flags.StringVar(&cfg.Datastack, "datastack", cfg.Datastack, "Datastack the table belongs to.")
	flags.StringVar(&cfg.TableName, "table-name", cfg.TableName, "Materialized table to convert.")
	flags.StringVar(&cfg.SegmentationTableSuffix, "segmentation-table-suffix", cfg.SegmentationTableSuffix, "Suffix of a segmentation table to join onto the base table by id.")
	flags.IntVar(&cfg.Version, "version", cfg.Version, "Materialization version to read.")
	flags.IntVar(&cfg.RowsPerChunk, "n-rows-per-chunk", cfg.RowsPerChunk, "Rows appended per commit.")
	flags.StringVar(&cfg.OutPath, "out-path", cfg.OutPath, "Output table directory. Derived from datastack, table and version when empty.")

	flags.StringVar(&cfg.PartitionColumn, "partition-column", cfg.PartitionColumn, "Column whose value picks the partition.")
	flags.IntVar(&cfg.NPartitions, "n-partitions", cfg.NPartitions, "Number of partitions.")

	flags.StringSliceVar(&cfg.ZOrderColumns, "zorder-columns", cfg.ZOrderColumns, "Comma separated list of columns to cluster each partition by.")
	flags.StringSliceVar(&cfg.BloomFilterColumns, "bloom-filter-columns", cfg.BloomFilterColumns, "Comma separated list of columns to build bloom filters for.")
	flags.Float64Var(&cfg.FPP, "fpp", cfg.FPP, "Bloom filter false positive probability.")
	flags.IntVar(&cfg.TargetRowsPerFile, "target-rows-per-file", cfg.TargetRowsPerFile, "Rows per data file written by the z-order rewrite.")

	flags.StringSliceVar(&cfg.DropColumns, "drop-columns", cfg.DropColumns, "Comma separated list of source columns to drop.")
	flags.StringSliceVar(&cfg.BoolStringColumns, "bool-string-columns", cfg.BoolStringColumns, "Comma separated list of columns holding t/f strings.")

	flags.BoolVar(&cfg.TriggerExport, "trigger-export", cfg.TriggerExport, "Request the CSV export from the materialization service before reading it.")
	flags.StringVar(&cfg.ServerAddress, "server-address", cfg.ServerAddress, "Materialization service address.")
	flags.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Bearer token for the materialization service.")
	flags.IntVar(&cfg.ExportMaxWait, "export-max-wait", cfg.ExportMaxWait, "Attempts to make while waiting for an export to appear.")
	flags.DurationVar((*time.Duration)(&cfg.ExportInterval), "export-interval", time.Duration(cfg.ExportInterval), "Delay between export attempts.")

	flags.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for staged downloads.")
	flags.BoolVar(&cfg.KeepStaged, "keep-staged", cfg.KeepStaged, "Keep staged downloads after the run.")
	flags.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "Region used for s3:// sources.")
	flags.StringVar(&cfg.GCSCredentials, "gcs-credentials", cfg.GCSCredentials, "Service account file used for gs:// sources. Default credentials when empty.")

	flags.StringVar(&cfg.Stats, "stats", cfg.Stats, "Address to serve prometheus metrics on while running.")
	BuildLogFlags(cmd, &cfg.Verbose, &cfg.LogPath)
}

// BuildLogFlags attaches the logging flags to cmd.
func BuildLogFlags(cmd *cobra.Command, verbose *bool, logPath *string) {
	flags := cmd.Flags()
	flags.BoolVar(verbose, "verbose", *verbose, "Enable verbose logging")
	flags.StringVar(logPath, "log-path", *logPath, "Log path")
}

// SetupLogger points the logger of c at logPath, or stderr when logPath is
// empty. The returned closer releases the log file.
func SetupLogger(c *cavelake.CmdIO, verbose bool, logPath string) (io.Closer, error) {
	var w io.Writer = c.Stderr
	closer := io.Closer(nopCloser{})
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, errors.WithCode(errors.Wrap(err, "opening log file"), errors.ErrConfiguration)
		}
		w, closer = f, f
	}
	if verbose {
		c.SetLogger(logger.NewVerboseLogger(w))
	} else {
		c.SetLogger(logger.NewStandardLogger(w))
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

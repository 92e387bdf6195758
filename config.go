// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cavelake

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultMatDBCloudPath    = "gs://cave_annotation_bucket/public/"
	DefaultDatastack         = "v1dd"
	DefaultTableName         = "connections_with_nuclei"
	DefaultVersion           = 1196
	DefaultRowsPerChunk      = 50_000_000
	DefaultPartitionColumn   = "post_pt_root_id"
	DefaultPartitions        = 64
	DefaultFPP               = 0.001
	DefaultTargetRowsPerFile = 10_000_000
	DefaultServerAddress     = "https://global.daf-apis.com"
	DefaultExportMaxWait     = 60
	DefaultExportInterval    = time.Minute
	DefaultTempDir           = "/tmp/table_to_deltalake"
	DefaultS3Region          = "us-east-1"

	// PartitionSuffix is appended to the partition column to name the
	// physical partition-by column.
	PartitionSuffix = "_partition"
)

var (
	DefaultZOrderColumns      = []string{"post_pt_root_id", "id"}
	DefaultBloomFilterColumns = []string{"id"}
	// DefaultDropColumns are bookkeeping columns of the materialization
	// database that carry no information in a frozen version.
	DefaultDropColumns       = []string{"created", "deleted", "superceded_id", "valid"}
	DefaultBoolStringColumns = []string{"valid"}
)

// Config represents the configuration of one pipeline run. It is built once
// by the command layer and handed to each stage; nothing below ctl reads the
// environment.
type Config struct {
	MatDBCloudPath          string `toml:"mat-db-cloud-path" validate:"required"`
	Datastack               string `toml:"datastack" validate:"required"`
	TableName               string `toml:"table-name" validate:"required"`
	SegmentationTableSuffix string `toml:"segmentation-table-suffix"`
	Version                 int    `toml:"version" validate:"gt=0"`

	RowsPerChunk int    `toml:"n-rows-per-chunk" validate:"gt=0"`
	OutPath      string `toml:"out-path"`

	PartitionColumn string `toml:"partition-column" validate:"required"`
	NPartitions     int    `toml:"n-partitions" validate:"gt=0,lte=65535"`

	ZOrderColumns      []string `toml:"zorder-columns"`
	BloomFilterColumns []string `toml:"bloom-filter-columns"`
	FPP                float64  `toml:"fpp" validate:"gt=0,lt=1"`
	TargetRowsPerFile  int      `toml:"target-rows-per-file" validate:"gt=0"`

	DropColumns       []string `toml:"drop-columns"`
	BoolStringColumns []string `toml:"bool-string-columns"`

	TriggerExport  bool     `toml:"trigger-export"`
	ServerAddress  string   `toml:"server-address" validate:"omitempty,url"`
	AuthToken      string   `toml:"auth-token"`
	ExportMaxWait  int      `toml:"export-max-wait" validate:"gte=0"`
	ExportInterval Duration `toml:"export-interval"`

	TempDir        string `toml:"temp-dir" validate:"required"`
	KeepStaged     bool   `toml:"keep-staged"`
	S3Region       string `toml:"s3-region"`
	GCSCredentials string `toml:"gcs-credentials"`

	Stats   string `toml:"stats"`
	Verbose bool   `toml:"verbose"`
	LogPath string `toml:"log-path"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	return &Config{
		MatDBCloudPath:     DefaultMatDBCloudPath,
		Datastack:          DefaultDatastack,
		TableName:          DefaultTableName,
		Version:            DefaultVersion,
		RowsPerChunk:       DefaultRowsPerChunk,
		PartitionColumn:    DefaultPartitionColumn,
		NPartitions:        DefaultPartitions,
		ZOrderColumns:      append([]string{}, DefaultZOrderColumns...),
		BloomFilterColumns: append([]string{}, DefaultBloomFilterColumns...),
		FPP:                DefaultFPP,
		TargetRowsPerFile:  DefaultTargetRowsPerFile,
		DropColumns:        append([]string{}, DefaultDropColumns...),
		BoolStringColumns:  append([]string{}, DefaultBoolStringColumns...),
		ServerAddress:      DefaultServerAddress,
		ExportMaxWait:      DefaultExportMaxWait,
		ExportInterval:     Duration(DefaultExportInterval),
		TempDir:            DefaultTempDir,
		S3Region:           DefaultS3Region,
	}
}

// Normalize trims whitespace from list entries and drops empty ones, so
// "post_pt_root_id, id," and "post_pt_root_id,id" mean the same thing.
func (c *Config) Normalize() {
	c.ZOrderColumns = CleanList(c.ZOrderColumns)
	c.BloomFilterColumns = CleanList(c.BloomFilterColumns)
	c.DropColumns = CleanList(c.DropColumns)
	c.BoolStringColumns = CleanList(c.BoolStringColumns)
	c.PartitionColumn = strings.TrimSpace(c.PartitionColumn)
}

// Validate that all configuration permutations are compatible with each other.
func (c *Config) Validate() error {
	c.Normalize()
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value: %v)", fe.Field(), fe.ActualTag(), fe.Value()))
			}
			sort.Strings(msgs)
			return errors.New(errors.ErrConfiguration, "invalid configuration: "+strings.Join(msgs, "; "))
		}
		return errors.WithCode(err, errors.ErrConfiguration)
	}
	for _, col := range c.DropColumns {
		if col == c.PartitionColumn {
			return errors.Newf(errors.ErrConfiguration, "partition column %q is also listed in drop-columns", col)
		}
	}
	if c.TriggerExport && c.ServerAddress == "" {
		return errors.New(errors.ErrConfiguration, "server-address is required when trigger-export is set")
	}
	if dup := firstDuplicate(c.ZOrderColumns); dup != "" {
		return errors.Newf(errors.ErrConfiguration, "zorder column %q listed twice", dup)
	}
	if c.ExportInterval < 0 {
		return errors.Newf(errors.ErrConfiguration, "export-interval must not be negative, got %v", c.ExportInterval)
	}
	return nil
}

// SegmentationTable returns the name of the per-row segmentation table that
// is joined onto the base table, or "" when no suffix is configured.
func (c *Config) SegmentationTable() string {
	if c.SegmentationTableSuffix == "" {
		return ""
	}
	return c.TableName + "__" + c.SegmentationTableSuffix
}

// Tables lists every table that must be exported for this run, base first.
func (c *Config) Tables() []string {
	tables := []string{c.TableName}
	if seg := c.SegmentationTable(); seg != "" {
		tables = append(tables, seg)
	}
	return tables
}

// PartitionBy is the name of the physical partition column.
func (c *Config) PartitionBy() string {
	return c.PartitionColumn + PartitionSuffix
}

// ResolvedOutPath returns OutPath, or a name derived from the datastack,
// table and version when it is unset.
func (c *Config) ResolvedOutPath() string {
	if c.OutPath != "" {
		return c.OutPath
	}
	return fmt.Sprintf("./%s_%s_deltalake_v%d", c.Datastack, c.TableName, c.Version)
}

// CleanList trims each entry and removes empty ones.
func CleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func firstDuplicate(in []string) string {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			return s
		}
		seen[s] = struct{}{}
	}
	return ""
}

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

// MarshalText writes duration value in text format.
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ingest

import (
	"context"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/dustin/go-humanize"
)

// Slicer produces row ranges of a source. A record with zero rows means the
// range starts at or past the end.
type Slicer interface {
	Slice(ctx context.Context, start, n int64) (arrow.Record, error)
}

// Appender commits a record to a table, splitting it by the values of the
// partitionBy column. It returns the committed version.
type Appender interface {
	Append(ctx context.Context, rec arrow.Record, partitionBy string) (int64, error)
}

// Stats describe a completed or aborted run.
type Stats struct {
	// Slices counts every slice requested, including the final empty one.
	Slices  int
	Chunks  int
	Rows    int64
	Version int64
	Elapsed time.Duration
}

// Writer appends a plan to a table chunk by chunk.
type Writer struct {
	Plan        Slicer
	Table       Appender
	ChunkSize   int64
	PartitionBy string
	Logger      logger.Logger
}

// NewWriter returns a Writer with the given chunk size.
func NewWriter(p Slicer, t Appender, chunkSize int64, partitionBy string, log logger.Logger) *Writer {
	if log == nil {
		log = logger.NopLogger
	}
	return &Writer{
		Plan:        p,
		Table:       t,
		ChunkSize:   chunkSize,
		PartitionBy: partitionBy,
		Logger:      log,
	}
}

// Run slices and appends until the plan is exhausted. Cancellation is
// checked between chunks; a chunk being appended is allowed to finish.
func (w *Writer) Run(ctx context.Context) (stats Stats, err error) {
	stats.Version = -1
	if w.ChunkSize <= 0 {
		return stats, errors.Newf(errors.ErrConfiguration, "chunk size must be positive, got %d", w.ChunkSize)
	}
	if w.PartitionBy == "" {
		return stats, errors.New(errors.ErrConfiguration, "no partition column")
	}
	log := w.Logger
	if log == nil {
		log = logger.NopLogger
	}
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	for offset := int64(0); ; offset += w.ChunkSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var rec arrow.Record
		rec, err = w.Plan.Slice(ctx, offset, w.ChunkSize)
		stats.Slices++
		if err != nil {
			return stats, errors.Wrapf(err, "slicing rows %d-%d", offset, offset+w.ChunkSize)
		}
		n := rec.NumRows()
		if n == 0 {
			rec.Release()
			break
		}

		var v int64
		v, err = w.Table.Append(ctx, rec, w.PartitionBy)
		rec.Release()
		if err != nil {
			err = errors.Wrapf(err, "appending rows %d-%d", offset, offset+n)
			if !errors.Is(err, errors.ErrWrite) {
				err = errors.WithCode(err, errors.ErrWrite)
			}
			return stats, err
		}
		stats.Chunks++
		stats.Rows += n
		stats.Version = v
		metrics.CounterChunksAppended.Inc()
		metrics.CounterRowsAppended.Add(float64(n))
		log.Infof("appended chunk %d: rows %s-%s (version %d)", stats.Chunks,
			humanize.Comma(offset), humanize.Comma(offset+n), v)
	}
	log.Infof("wrote %s rows in %d chunks", humanize.Comma(stats.Rows), stats.Chunks)
	return stats, nil
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package lake implements a Delta Lake table over parquet files.
// A table is a directory of partition subdirectories holding data files and
// a _delta_log directory of numbered JSON commits; replaying the commits
// gives the set of live files. Writers only ever add files and commits, so
// readers of an older version are unaffected until a vacuum. Tables written
// here need reader version 1 and writer version 2, so other Delta clients
// can query them.
package lake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/google/uuid"
)

// Options configure a Table.
type Options struct {
	// PartitionSource and Partitions are recorded by the first commit. When
	// set, later appends must agree with the recorded values.
	PartitionSource string
	Partitions      int

	Allocator memory.Allocator
	Logger    logger.Logger
}

// Table is a handle on a table directory. It assumes a single writer.
type Table struct {
	mu   sync.Mutex
	root string
	opts Options
	mem  memory.Allocator
	log  logger.Logger

	// seq numbers data files written by this handle.
	seq int
}

// Open returns a handle on the table at root, creating the directory if
// needed. An empty directory is a table with no versions.
func Open(root string, opts Options) (*Table, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WithCode(errors.Wrap(err, "creating table directory"), errors.ErrWrite)
	}
	t := &Table{root: root, opts: opts, mem: opts.Allocator, log: opts.Logger}
	if t.mem == nil {
		t.mem = memory.DefaultAllocator
	}
	if t.log == nil {
		t.log = logger.NopLogger
	}
	return t, nil
}

// Path returns the table root.
func (t *Table) Path() string { return t.root }

// Snapshot is the state of a table at one version.
type Snapshot struct {
	root     string
	Version  int64
	Protocol *Protocol
	Meta     *MetaData
	Files    []AddFile
	History  []CommitInfo
}

// Snapshot replays the log up to the latest version. A table with no
// commits has Version -1 and nil Meta.
func (t *Table) Snapshot() (*Snapshot, error) {
	return snapshotAt(t.root, -1)
}

// SnapshotAt replays the log up to and including version.
func (t *Table) SnapshotAt(version int64) (*Snapshot, error) {
	if version < 0 {
		return nil, errors.Newf(errors.ErrConfiguration, "invalid version %d", version)
	}
	return snapshotAt(t.root, version)
}

func snapshotAt(root string, upTo int64) (*Snapshot, error) {
	vs, err := versions(root)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{root: root, Version: -1}
	live := make(map[string]AddFile)
	for _, v := range vs {
		if upTo >= 0 && v > upTo {
			break
		}
		if v != s.Version+1 {
			return nil, errors.Newf(errors.ErrUncoded, "log is missing version %d", s.Version+1)
		}
		actions, err := readCommit(root, v)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			switch {
			case a.CommitInfo != nil:
				s.History = append(s.History, *a.CommitInfo)
			case a.Protocol != nil:
				if a.Protocol.MinReaderVersion > readerVersion {
					return nil, errors.Newf(errors.ErrConfiguration, "table needs reader version %d, have %d", a.Protocol.MinReaderVersion, readerVersion)
				}
				s.Protocol = a.Protocol
			case a.MetaData != nil:
				s.Meta = a.MetaData
			case a.Add != nil:
				live[a.Add.Path] = *a.Add
			case a.Remove != nil:
				delete(live, a.Remove.Path)
			}
		}
		s.Version = v
	}
	if upTo >= 0 && s.Version != upTo {
		return nil, errors.Newf(errors.ErrConfiguration, "version %d does not exist (latest is %d)", upTo, s.Version)
	}
	for _, f := range live {
		s.Files = append(s.Files, f)
	}
	sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].Path < s.Files[j].Path })
	return s, nil
}

// Rows returns the number of live rows.
func (s *Snapshot) Rows() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Rows
	}
	return n
}

// RowsByPartition returns the number of live rows per partition value.
func (s *Snapshot) RowsByPartition() map[uint16]int64 {
	m := make(map[uint16]int64)
	for _, f := range s.Files {
		m[f.Partition] += f.Rows
	}
	return m
}

// FilesByPartition groups the live files by partition value.
func (s *Snapshot) FilesByPartition() map[uint16][]AddFile {
	m := make(map[uint16][]AddFile)
	for _, f := range s.Files {
		m[f.Partition] = append(m[f.Partition], f)
	}
	return m
}

// HasColumn reports whether the table schema has the named column.
func (s *Snapshot) HasColumn(name string) bool {
	_, ok := s.columnType(name)
	return ok
}

func (s *Snapshot) columnType(name string) (string, bool) {
	if s.Meta == nil {
		return "", false
	}
	for _, c := range s.Meta.Schema {
		if c.Name == name {
			return c.Type, true
		}
	}
	return "", false
}

// describe returns the persisted form of an arrow schema.
func describe(s *arrow.Schema) []ColumnDesc {
	cols := make([]ColumnDesc, len(s.Fields()))
	for i, f := range s.Fields() {
		cols[i] = ColumnDesc{Name: f.Name, Type: f.Type.String()}
	}
	return cols
}

// compareSchema returns an error describing the first difference between the
// recorded schema and an incoming one.
func compareSchema(recorded, incoming []ColumnDesc) error {
	for i := 0; i < len(recorded) || i < len(incoming); i++ {
		switch {
		case i >= len(incoming):
			return errors.Newf(errors.ErrSchema, "schema mismatch: missing column %q (%s)", recorded[i].Name, recorded[i].Type)
		case i >= len(recorded):
			return errors.Newf(errors.ErrSchema, "schema mismatch: unexpected column %q (%s)", incoming[i].Name, incoming[i].Type)
		case recorded[i] != incoming[i]:
			return errors.Newf(errors.ErrSchema, "schema mismatch at column %d: table has %q (%s), got %q (%s)",
				i, recorded[i].Name, recorded[i].Type, incoming[i].Name, incoming[i].Type)
		}
	}
	return nil
}

// checkMeta validates an append against the table's metadata, returning the
// metadata to commit for a new table.
func (t *Table) checkMeta(snap *Snapshot, schema *arrow.Schema, partitionBy string) (*MetaData, error) {
	idx := schema.FieldIndices(partitionBy)
	if len(idx) != 1 {
		return nil, errors.Newf(errors.ErrSchema, "partition column %q not found", partitionBy)
	}
	if id := schema.Field(idx[0]).Type.ID(); id != arrow.UINT16 {
		return nil, errors.Newf(errors.ErrSchema, "partition column %q is %v, want uint16", partitionBy, schema.Field(idx[0]).Type)
	}

	if snap.Meta == nil {
		cols := describe(schema)
		if _, err := schemaString(cols, partitionBy); err != nil {
			return nil, err
		}
		return &MetaData{
			ID:              uuid.New().String(),
			Schema:          cols,
			PartitionBy:     partitionBy,
			PartitionSource: t.opts.PartitionSource,
			Partitions:      t.opts.Partitions,
			CreatedTime:     time.Now().UnixMilli(),
		}, nil
	}

	if p := snap.Protocol; p != nil && p.MinWriterVersion > writerVersion {
		return nil, errors.Newf(errors.ErrConfiguration, "table needs writer version %d, have %d", p.MinWriterVersion, writerVersion)
	}
	m := snap.Meta
	if m.PartitionBy != partitionBy {
		return nil, errors.Newf(errors.ErrConfiguration, "table is partitioned by %q, not %q", m.PartitionBy, partitionBy)
	}
	if t.opts.Partitions != 0 && m.Partitions != 0 && t.opts.Partitions != m.Partitions {
		return nil, errors.Newf(errors.ErrConfiguration, "table was written with %d partitions, not %d; write to a new table", m.Partitions, t.opts.Partitions)
	}
	if t.opts.PartitionSource != "" && m.PartitionSource != "" && t.opts.PartitionSource != m.PartitionSource {
		return nil, errors.Newf(errors.ErrConfiguration, "table partitions by %q, not %q", m.PartitionSource, t.opts.PartitionSource)
	}
	if err := compareSchema(m.Schema, describe(schema)); err != nil {
		return nil, err
	}
	return nil, nil
}

// Append adds the rows of rec to the table as one commit, writing one file
// per partition value present in rec. It returns the committed version. An
// empty record commits nothing and returns the current version.
func (t *Table) Append(ctx context.Context, rec arrow.Record, partitionBy string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.Snapshot()
	if err != nil {
		return 0, errors.WithCode(err, errors.ErrWrite)
	}
	meta, err := t.checkMeta(snap, rec.Schema(), partitionBy)
	if err != nil {
		return 0, err
	}
	if rec.NumRows() == 0 {
		return snap.Version, nil
	}

	groups, err := groupByPartition(rec, partitionBy)
	if err != nil {
		return 0, err
	}

	actions := []Action{commitInfo(OpWrite, map[string]string{
		"mode":        "Append",
		"partitionBy": fmt.Sprintf("[%q]", partitionBy),
		"rows":        strconv.FormatInt(rec.NumRows(), 10),
	})}
	if meta != nil {
		actions = append(actions, protocol(), Action{MetaData: meta})
	}

	var written []string
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			t.discard(written)
			return 0, err
		}
		sub := takeRows(t.mem, []arrow.Record{rec}, singleRefs(g.rows))
		add, err := t.writeDataFile(sub, partitionBy, g.value)
		sub.Release()
		if err != nil {
			t.discard(written)
			return 0, err
		}
		add.DataChange = true
		written = append(written, add.Path)
		actions = append(actions, Action{Add: add})
	}

	version := snap.Version + 1
	if err := writeCommit(t.root, version, actions); err != nil {
		t.discard(written)
		return 0, errors.WithCode(err, errors.ErrWrite)
	}
	t.log.Debugf("committed version %d: %d rows in %d files", version, rec.NumRows(), len(written))
	return version, nil
}

type partitionGroup struct {
	value uint16
	rows  []int
}

// groupByPartition returns the row indices of each partition value, ordered
// by value.
func groupByPartition(rec arrow.Record, partitionBy string) ([]partitionGroup, error) {
	idx := rec.Schema().FieldIndices(partitionBy)
	col, ok := rec.Column(idx[0]).(interface {
		Value(int) uint16
		IsNull(int) bool
	})
	if !ok {
		return nil, errors.Newf(errors.ErrSchema, "partition column %q is not uint16", partitionBy)
	}
	byValue := make(map[uint16][]int)
	for r := 0; r < int(rec.NumRows()); r++ {
		if col.IsNull(r) {
			return nil, errors.Newf(errors.ErrSchema, "partition column %q is null in row %d", partitionBy, r)
		}
		v := col.Value(r)
		byValue[v] = append(byValue[v], r)
	}
	groups := make([]partitionGroup, 0, len(byValue))
	for v, rows := range byValue {
		groups = append(groups, partitionGroup{value: v, rows: rows})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].value < groups[j].value })
	return groups, nil
}

// partitionDir returns the directory of a partition relative to the root.
func partitionDir(partitionBy string, value uint16) string {
	return fmt.Sprintf("%s=%d", partitionBy, value)
}

// writeDataFile writes rec as a new parquet file in the partition's
// directory and returns its add action. The partition column is left out of
// the file; its value is recorded by the add.
func (t *Table) writeDataFile(rec arrow.Record, partitionBy string, value uint16) (*AddFile, error) {
	rec = dropColumn(rec, partitionBy)
	defer rec.Release()

	t.seq++
	rel := filepath.Join(partitionDir(partitionBy, value), fmt.Sprintf("part-%05d-%s.snappy.parquet", t.seq, uuid.New().String()))
	abs := filepath.Join(t.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errors.WithCode(errors.Wrap(err, "creating partition directory"), errors.ErrWrite)
	}
	size, err := writeParquet(abs, rec)
	if err != nil {
		os.Remove(abs)
		return nil, errors.WithCode(errors.Wrapf(err, "writing %s", rel), errors.ErrWrite)
	}
	lo, hi := intStats(rec)
	return &AddFile{
		Path:             filepath.ToSlash(rel),
		PartitionBy:      partitionBy,
		Partition:        value,
		Size:             size,
		Rows:             rec.NumRows(),
		ModificationTime: time.Now().UnixMilli(),
		Min:              lo,
		Max:              hi,
		Nulls:            nullCounts(rec),
	}, nil
}

// discard removes data files that were written but not committed.
func (t *Table) discard(rels []string) {
	for _, rel := range rels {
		if err := os.Remove(filepath.Join(t.root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			t.log.Warnf("removing uncommitted file %s: %v", rel, err)
		}
	}
}

// abs returns the absolute path of a table-relative path.
func (s *Snapshot) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// ReadFile reads one live data file with its partition column restored.
func (t *Table) ReadFile(ctx context.Context, f AddFile) (arrow.Table, error) {
	snap, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	recs, err := t.readRecords(ctx, snap, []AddFile{f})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	if len(recs) == 0 {
		return nil, errors.Newf(errors.ErrUncoded, "data file %s has no rows", f.Path)
	}
	return array.NewTableFromRecords(recs[0].Schema(), recs), nil
}


// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/bdpedigo/cavelake/partition"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// FilterDir holds bloom filter sidecars, named <uuid>.<column>.bloom.
const FilterDir = "_filters"

// DefaultFPP is the bloom filter false positive rate used when none is given.
const DefaultFPP = 0.001

// filterKey returns the bytes a value is hashed as. Integer columns hash
// their value as 8 big-endian bytes whatever their width, so a probe with an
// int64 key matches narrower columns.
func filterKey(a arrow.Array, i int) ([]byte, bool) {
	if a.IsNull(i) {
		return nil, false
	}
	switch a := a.(type) {
	case *array.String:
		return []byte(a.Value(i)), true
	case *array.Int64, *array.Int32, *array.Int16, *array.Uint16:
		return intKey(intValue(a, i)), true
	}
	return nil, false
}

func intKey(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func filterable(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.STRING, arrow.INT64, arrow.INT32, arrow.INT16, arrow.UINT16:
		return true
	}
	return false
}

// writeFilters builds one filter per column over rec and returns the sidecar
// paths by column. Sidecars written before a failure are removed.
func (t *Table) writeFilters(rec arrow.Record, columns []string, fpp float64) (map[string]string, error) {
	if fpp <= 0 || fpp >= 1 {
		fpp = DefaultFPP
	}
	out := make(map[string]string, len(columns))
	fail := func(err error) (map[string]string, error) {
		for _, rel := range out {
			os.Remove(filepath.Join(t.root, filepath.FromSlash(rel)))
		}
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(t.root, FilterDir), 0o755); err != nil {
		return fail(errors.WithCode(errors.Wrap(err, "creating filter directory"), errors.ErrWrite))
	}
	for _, name := range columns {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) != 1 {
			return fail(errors.Newf(errors.ErrConfiguration, "filter column %q is not in the table", name))
		}
		col := rec.Column(idx[0])
		if !filterable(col.DataType()) {
			return fail(errors.Newf(errors.ErrConfiguration, "cannot build a bloom filter on %q (%v)", name, col.DataType()))
		}
		n := uint(rec.NumRows())
		if n == 0 {
			n = 1
		}
		bf := bloom.NewWithEstimates(n, fpp)
		for i := 0; i < col.Len(); i++ {
			if k, ok := filterKey(col, i); ok {
				bf.Add(k)
			}
		}
		rel := filepath.ToSlash(filepath.Join(FilterDir, fmt.Sprintf("%s.%s.bloom", uuid.New().String(), name)))
		if err := writeFilter(filepath.Join(t.root, filepath.FromSlash(rel)), bf); err != nil {
			return fail(errors.WithCode(errors.Wrapf(err, "writing filter for %q", name), errors.ErrWrite))
		}
		out[name] = rel
		metrics.CounterFiltersBuilt.WithLabelValues(name).Inc()
	}
	return out, nil
}

func writeFilter(path string, bf *bloom.BloomFilter) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := bf.WriteTo(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

func readFilter(path string) (*bloom.BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrapf(err, "reading filter %s", path)
	}
	return bf, nil
}

// AttachFilters builds filters for columns on every live file without
// rewriting data, committing one SET FILTERS version. Filters replaced this
// way are left for a vacuum.
func (t *Table) AttachFilters(ctx context.Context, columns []string, fpp float64) (*RewriteResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	res := &RewriteResult{Version: snap.Version}
	if snap.Meta == nil || len(snap.Files) == 0 || len(columns) == 0 {
		return res, nil
	}
	for _, c := range columns {
		if !snap.HasColumn(c) {
			return nil, errors.Newf(errors.ErrConfiguration, "filter column %q is not in the table", c)
		}
	}

	actions := []Action{commitInfo(OpFilters, map[string]string{"columns": strings.Join(columns, ",")})}
	var written []string
	fail := func(err error) (*RewriteResult, error) {
		t.discard(written)
		return nil, err
	}
	parts := make(map[uint16]struct{})
	for _, f := range snap.Files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		recs, err := t.readRecords(ctx, snap, []AddFile{f})
		if err != nil {
			return fail(err)
		}
		var filters map[string]string
		if len(recs) > 0 {
			rec := recs[0]
			if len(recs) > 1 {
				rec = concatRecords(t, recs)
			}
			filters, err = t.writeFilters(rec, columns, fpp)
			if len(recs) > 1 {
				rec.Release()
			}
		}
		for _, r := range recs {
			r.Release()
		}
		if err != nil {
			return fail(err)
		}
		add := f
		add.DataChange = false
		add.Filters = make(map[string]string, len(f.Filters)+len(filters))
		for k, v := range f.Filters {
			add.Filters[k] = v
		}
		for k, v := range filters {
			add.Filters[k] = v
			written = append(written, v)
		}
		actions = append(actions, Action{Add: &add})
		res.FilesAdded++
		parts[f.Partition] = struct{}{}
	}
	res.Partitions = len(parts)

	res.Version = snap.Version + 1
	if err := writeCommit(t.root, res.Version, actions); err != nil {
		return fail(errors.WithCode(err, errors.ErrWrite))
	}
	t.log.Debugf("attached %v filters to %d files", columns, res.FilesAdded)
	return res, nil
}

// concatRecords copies recs into one record.
func concatRecords(t *Table, recs []arrow.Record) arrow.Record {
	var refs []rowRef
	for ri, r := range recs {
		for i := 0; i < int(r.NumRows()); i++ {
			refs = append(refs, rowRef{rec: ri, row: i})
		}
	}
	return takeRows(t.mem, recs, refs)
}

// Prune returns the live files that may hold rows where column equals key.
// Files are excluded by partition when column is the partition source, by
// min/max statistics and by bloom filter. Partition pruning assumes the
// table was written without an id remap.
func (s *Snapshot) Prune(column string, key int64) ([]AddFile, error) {
	if s.Meta == nil {
		return nil, nil
	}
	typ, ok := s.columnType(column)
	if !ok {
		return nil, errors.Newf(errors.ErrConfiguration, "column %q is not in the table", column)
	}
	switch typ {
	case "int64", "int32", "int16", "uint16":
	default:
		return nil, errors.Newf(errors.ErrConfiguration, "cannot prune by %q (%s); need an integer column", column, typ)
	}

	wantPartition, byPartition := uint16(0), false
	if column == s.Meta.PartitionSource && s.Meta.Partitions > 0 {
		a, err := partition.New(s.Meta.Partitions)
		if err != nil {
			return nil, err
		}
		if wantPartition, err = a.Partition(key); err != nil {
			return nil, err
		}
		byPartition = true
	}
	if column == s.Meta.PartitionBy {
		if key < 0 || key > math.MaxUint16 {
			return nil, nil
		}
		wantPartition, byPartition = uint16(key), true
	}

	var out []AddFile
	for _, f := range s.Files {
		if byPartition && f.Partition != wantPartition {
			continue
		}
		if lo, ok := f.Min[column]; ok && key < lo {
			continue
		}
		if hi, ok := f.Max[column]; ok && key > hi {
			continue
		}
		if rel, ok := f.Filters[column]; ok {
			bf, err := readFilter(s.abs(rel))
			if err != nil {
				return nil, err
			}
			if !bf.Test(intKey(key)) {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

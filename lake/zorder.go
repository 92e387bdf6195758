// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/metrics"
)

// ZOrderOptions configure a clustering rewrite.
type ZOrderOptions struct {
	Columns []string

	// TargetRowsPerFile bounds the rows in each rewritten file. Zero writes
	// one file per partition.
	TargetRowsPerFile int64

	// FilterColumns get a bloom filter per rewritten file.
	FilterColumns []string
	FPP           float64
}

// RewriteResult summarizes a rewrite commit.
type RewriteResult struct {
	Version      int64
	Partitions   int
	FilesRemoved int
	FilesAdded   int
	Rows         int64
}

// ZOrder rewrites every partition so rows are clustered along a z-order
// curve over opts.Columns, committing all partitions in one OPTIMIZE
// version. Rows and their values are unchanged.
func (t *Table) ZOrder(ctx context.Context, opts ZOrderOptions) (*RewriteResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	res := &RewriteResult{Version: snap.Version}
	if snap.Meta == nil || len(snap.Files) == 0 {
		return res, nil
	}
	if len(opts.Columns) == 0 {
		return nil, errors.New(errors.ErrConfiguration, "z-order needs at least one column")
	}
	for _, c := range append(append([]string{}, opts.Columns...), opts.FilterColumns...) {
		if !snap.HasColumn(c) {
			return nil, errors.Newf(errors.ErrConfiguration, "column %q is not in the table", c)
		}
	}

	actions := []Action{commitInfo(OpOptimize, map[string]string{
		"zOrderBy": strings.Join(opts.Columns, ","),
		"filters":  strings.Join(opts.FilterColumns, ","),
	})}
	var written []string
	fail := func(err error) (*RewriteResult, error) {
		t.discard(written)
		return nil, err
	}

	byPartition := snap.FilesByPartition()
	parts := make([]int, 0, len(byPartition))
	for p := range byPartition {
		parts = append(parts, int(p))
	}
	sort.Ints(parts)

	now := time.Now().UnixMilli()
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		files := byPartition[uint16(p)]
		adds, err := t.rewritePartition(ctx, snap, uint16(p), files, opts)
		for _, a := range adds {
			written = append(written, a.Path)
			for _, rel := range a.Filters {
				written = append(written, rel)
			}
		}
		if err != nil {
			return fail(err)
		}
		for _, f := range files {
			actions = append(actions, Action{Remove: &RemoveFile{Path: f.Path, DeletionTimestamp: now}})
			res.FilesRemoved++
		}
		for _, a := range adds {
			actions = append(actions, Action{Add: a})
			res.FilesAdded++
			res.Rows += a.Rows
		}
		res.Partitions++
	}

	res.Version = snap.Version + 1
	if err := writeCommit(t.root, res.Version, actions); err != nil {
		return fail(errors.WithCode(err, errors.ErrWrite))
	}
	metrics.CounterFilesRewritten.Add(float64(res.FilesAdded))
	t.log.Debugf("z-ordered %d partitions by %v: %d files replaced by %d", res.Partitions, opts.Columns, res.FilesRemoved, res.FilesAdded)
	return res, nil
}

// rewritePartition reads files, sorts their rows by z-order key and writes
// them back as new files. Any files it returns have been written, even on
// error.
func (t *Table) rewritePartition(ctx context.Context, snap *Snapshot, partition uint16, files []AddFile, opts ZOrderOptions) ([]*AddFile, error) {
	recs, err := t.readRecords(ctx, snap, files)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	if len(recs) == 0 {
		return nil, nil
	}

	var refs []rowRef
	for ri, r := range recs {
		for i := 0; i < int(r.NumRows()); i++ {
			refs = append(refs, rowRef{rec: ri, row: i})
		}
	}

	keys, err := zKeys(recs, refs, opts.Columns)
	if err != nil {
		return nil, err
	}
	order := make([]int, len(refs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return bytes.Compare(keys[order[a]], keys[order[b]]) < 0 })
	sorted := make([]rowRef, len(refs))
	for i, o := range order {
		sorted[i] = refs[o]
	}

	per := int(opts.TargetRowsPerFile)
	if per <= 0 {
		per = len(sorted)
	}
	var adds []*AddFile
	for lo := 0; lo < len(sorted); lo += per {
		hi := lo + per
		if hi > len(sorted) {
			hi = len(sorted)
		}
		rec := takeRows(t.mem, recs, sorted[lo:hi])
		add, err := t.writeDataFile(rec, snap.Meta.PartitionBy, partition)
		if err != nil {
			rec.Release()
			return adds, err
		}
		add.ZOrderBy = opts.Columns
		adds = append(adds, add)
		if len(opts.FilterColumns) > 0 {
			add.Filters, err = t.writeFilters(rec, opts.FilterColumns, opts.FPP)
		}
		rec.Release()
		if err != nil {
			return adds, err
		}
	}
	return adds, nil
}

// readRecords reads the given data files as records sharing one schema,
// with the partition column restored.
func (t *Table) readRecords(ctx context.Context, snap *Snapshot, files []AddFile) ([]arrow.Record, error) {
	var recs []arrow.Record
	var schema *arrow.Schema
	for _, f := range files {
		tbl, err := readParquet(ctx, snap.abs(f.Path), t.mem)
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, errors.WithCode(err, errors.ErrWrite)
		}
		if schema == nil {
			schema = cleanSchema(tbl.Schema())
		}
		for _, r := range tableRecords(tbl, schema) {
			recs = append(recs, withPartition(t.mem, r, snap.Meta, f.Partition))
			r.Release()
		}
		tbl.Release()
	}
	return recs, nil
}

// zKeys returns the interleaved key of each referenced row. Each column is
// dense ranked first so columns with different ranges carry equal weight.
func zKeys(recs []arrow.Record, refs []rowRef, columns []string) ([][]byte, error) {
	ranks := make([][]uint32, len(columns))
	for c, name := range columns {
		idx := recs[0].Schema().FieldIndices(name)
		if len(idx) != 1 {
			return nil, errors.Newf(errors.ErrConfiguration, "column %q is not in the table", name)
		}
		r, err := denseRank(recs, refs, idx[0])
		if err != nil {
			return nil, err
		}
		ranks[c] = r
	}
	keys := make([][]byte, len(refs))
	for i := range refs {
		row := make([]uint32, len(columns))
		for c := range columns {
			row[c] = ranks[c][i]
		}
		keys[i] = interleave(row)
	}
	return keys, nil
}

// interleave takes one bit from each value in turn, most significant first.
func interleave(vals []uint32) []byte {
	out := make([]byte, 4*len(vals))
	pos := 0
	for bit := 31; bit >= 0; bit-- {
		for _, v := range vals {
			if v&(1<<uint(bit)) != 0 {
				out[pos/8] |= 0x80 >> uint(pos%8)
			}
			pos++
		}
	}
	return out
}

// denseRank ranks the values of column col; equal values share a rank,
// nulls rank 0 and the smallest value ranks 1.
func denseRank(recs []arrow.Record, refs []rowRef, col int) ([]uint32, error) {
	cols := make([]arrow.Array, len(recs))
	for i, r := range recs {
		cols[i] = r.Column(col)
	}
	less, equal, err := comparator(cols)
	if err != nil {
		return nil, err
	}

	var order []int
	for i, ref := range refs {
		if !cols[ref.rec].IsNull(ref.row) {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool { return less(refs[order[a]], refs[order[b]]) })

	ranks := make([]uint32, len(refs))
	var rank uint32
	for i, o := range order {
		if i == 0 || !equal(refs[order[i-1]], refs[o]) {
			rank++
		}
		ranks[o] = rank
	}
	return ranks, nil
}

// comparator returns ordering functions over rows of cols, which are the
// same column in several records.
func comparator(cols []arrow.Array) (less, equal func(a, b rowRef) bool, err error) {
	switch cols[0].(type) {
	case *array.Int64, *array.Int32, *array.Int16, *array.Uint16, *array.Date32, *array.Timestamp:
		v := func(r rowRef) int64 { return intValue(cols[r.rec], r.row) }
		return func(a, b rowRef) bool { return v(a) < v(b) },
			func(a, b rowRef) bool { return v(a) == v(b) }, nil
	case *array.Float64, *array.Float32:
		v := func(r rowRef) float64 {
			if f, ok := cols[r.rec].(*array.Float32); ok {
				return float64(f.Value(r.row))
			}
			return cols[r.rec].(*array.Float64).Value(r.row)
		}
		return func(a, b rowRef) bool { return v(a) < v(b) },
			func(a, b rowRef) bool { return v(a) == v(b) }, nil
	case *array.String:
		v := func(r rowRef) string { return cols[r.rec].(*array.String).Value(r.row) }
		return func(a, b rowRef) bool { return v(a) < v(b) },
			func(a, b rowRef) bool { return v(a) == v(b) }, nil
	case *array.Boolean:
		v := func(r rowRef) bool { return cols[r.rec].(*array.Boolean).Value(r.row) }
		return func(a, b rowRef) bool { return !v(a) && v(b) },
			func(a, b rowRef) bool { return v(a) == v(b) }, nil
	}
	return nil, nil, errors.Newf(errors.ErrConfiguration, "cannot z-order by a %v column", cols[0].DataType())
}

// intValue returns an integer-like value as int64.
func intValue(a arrow.Array, i int) int64 {
	switch a := a.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Date32:
		return int64(a.Value(i))
	case *array.Timestamp:
		return int64(a.Value(i))
	}
	panic("intValue: " + a.DataType().String())
}

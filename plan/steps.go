// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/geometry"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/bdpedigo/cavelake/partition"
	"github.com/bdpedigo/cavelake/schema"
	"github.com/bdpedigo/cavelake/segindex"
)

// columnMap describes an output record in terms of the input: each output
// column is either copied from an input column (src >= 0) or computed.
type columnMap struct {
	fields []arrow.Field
	src    []int
}

func (m *columnMap) keep(f arrow.Field, i int) {
	m.fields = append(m.fields, f)
	m.src = append(m.src, i)
}

func (m *columnMap) compute(f arrow.Field) {
	m.fields = append(m.fields, f)
	m.src = append(m.src, -1)
}

func (m *columnMap) schema(in *arrow.Schema) *arrow.Schema {
	md := in.Metadata()
	return arrow.NewSchema(m.fields, &md)
}

// assemble builds the output record from rec, calling computed for each
// computed column in order.
func (m *columnMap) assemble(in *arrow.Schema, rec arrow.Record, computed []arrow.Array) arrow.Record {
	cols := make([]arrow.Array, len(m.fields))
	next := 0
	for i, src := range m.src {
		if src >= 0 {
			cols[i] = rec.Column(src)
		} else {
			cols[i] = computed[next]
			next++
		}
	}
	return array.NewRecord(m.schema(in), cols, rec.NumRows())
}

func release(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

// Drop removes the named columns. Names that are not present are ignored.
func Drop(names ...string) Step { return dropStep{names: names} }

type dropStep struct{ names []string }

func (s dropStep) Name() string { return "drop(" + strings.Join(s.names, ",") + ")" }

func (s dropStep) plan(in *arrow.Schema) *columnMap {
	drop := make(map[string]struct{}, len(s.names))
	for _, n := range s.names {
		drop[n] = struct{}{}
	}
	m := &columnMap{}
	for i, f := range in.Fields() {
		if _, ok := drop[f.Name]; !ok {
			m.keep(f, i)
		}
	}
	return m
}

func (s dropStep) Output(in *arrow.Schema) (*arrow.Schema, error) {
	return s.plan(in).schema(in), nil
}

func (s dropStep) Apply(_ context.Context, _ memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	return s.plan(rec.Schema()).assemble(rec.Schema(), rec, nil), nil
}

// CoerceBooleans turns the named "t"/"f" string columns into booleans. A
// name that is not present, e.g. because it was dropped, is skipped.
func CoerceBooleans(names ...string) Step { return coerceStep{names: names} }

type coerceStep struct{ names []string }

func (s coerceStep) Name() string { return "coerce_booleans(" + strings.Join(s.names, ",") + ")" }

func (s coerceStep) plan(in *arrow.Schema) (*columnMap, []int, error) {
	targets := make(map[string]struct{}, len(s.names))
	for _, n := range s.names {
		targets[n] = struct{}{}
	}
	m := &columnMap{}
	var idx []int
	for i, f := range in.Fields() {
		if _, ok := targets[f.Name]; !ok {
			m.keep(f, i)
			continue
		}
		if f.Type.ID() != arrow.STRING {
			return nil, nil, errors.Newf(errors.ErrSchema, "column %q is %v, want string", f.Name, f.Type)
		}
		m.compute(arrow.Field{Name: f.Name, Type: arrow.FixedWidthTypes.Boolean, Nullable: true, Metadata: f.Metadata})
		idx = append(idx, i)
	}
	return m, idx, nil
}

func (s coerceStep) Output(in *arrow.Schema) (*arrow.Schema, error) {
	m, _, err := s.plan(in)
	if err != nil {
		return nil, err
	}
	return m.schema(in), nil
}

func (s coerceStep) Apply(_ context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	m, idx, err := s.plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	computed := make([]arrow.Array, 0, len(idx))
	defer func() { release(computed) }()
	for _, i := range idx {
		col := rec.Column(i).(*array.String)
		b := array.NewBooleanBuilder(mem)
		b.Reserve(col.Len())
		for r := 0; r < col.Len(); r++ {
			if v, ok := schema.CoerceBoolean(col.Value(r), col.IsValid(r)); ok {
				b.Append(v)
			} else {
				b.AppendNull()
			}
		}
		computed = append(computed, b.NewArray())
		b.Release()
	}
	return m.assemble(rec.Schema(), rec, computed), nil
}

// DecodePositions replaces every *_pt_position string column with three
// int32 columns holding the decoded x, y and z. A null position decodes to
// three nulls; any malformed value fails the whole slice.
func DecodePositions() Step { return positionStep{} }

type positionStep struct{}

func (positionStep) Name() string { return "decode_positions" }

func (positionStep) plan(in *arrow.Schema) (*columnMap, []int, error) {
	m := &columnMap{}
	var idx []int
	for i, f := range in.Fields() {
		if !geometry.IsPositionColumn(f.Name) {
			m.keep(f, i)
			continue
		}
		if f.Type.ID() != arrow.STRING {
			return nil, nil, errors.Newf(errors.ErrSchema, "position column %q is %v, want string", f.Name, f.Type)
		}
		for _, name := range geometry.AxisColumns(f.Name) {
			m.compute(arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Int32, Nullable: true})
		}
		idx = append(idx, i)
	}
	return m, idx, nil
}

func (s positionStep) Output(in *arrow.Schema) (*arrow.Schema, error) {
	m, _, err := s.plan(in)
	if err != nil {
		return nil, err
	}
	return m.schema(in), nil
}

func (s positionStep) Apply(_ context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	m, idx, err := s.plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	computed := make([]arrow.Array, 0, 3*len(idx))
	defer func() { release(computed) }()
	for _, i := range idx {
		col := rec.Column(i).(*array.String)
		var bs [3]*array.Int32Builder
		for a := range bs {
			bs[a] = array.NewInt32Builder(mem)
			bs[a].Reserve(col.Len())
			defer bs[a].Release()
		}
		for r := 0; r < col.Len(); r++ {
			if col.IsNull(r) {
				for a := range bs {
					bs[a].AppendNull()
				}
				continue
			}
			pt, err := geometry.DecodePoint(col.Value(r))
			if err != nil {
				return nil, errors.WithMessagef(err, "column %q, slice row %d", rec.ColumnName(i), r)
			}
			for a := range bs {
				bs[a].Append(pt[a])
			}
		}
		for a := range bs {
			computed = append(computed, bs[a].NewArray())
		}
	}
	return m.assemble(rec.Schema(), rec, computed), nil
}

// Join left-joins the rows of a segmentation index onto each slice, matching
// key in the slice against the id each index row was stored under. seg
// describes the index rows; its key column is not repeated in the output.
// Rows with no match get nulls.
func Join(idx *segindex.Index, seg schema.Schema, key string) Step {
	return joinStep{idx: idx, seg: seg, key: key}
}

type joinStep struct {
	idx *segindex.Index
	seg schema.Schema
	key string
}

func (s joinStep) Name() string { return "join(" + s.key + ")" }

func (s joinStep) plan(in *arrow.Schema) (*columnMap, int, []int, error) {
	keys := in.FieldIndices(s.key)
	if len(keys) != 1 {
		return nil, 0, nil, errors.Newf(errors.ErrSchema, "join key %q not found", s.key)
	}
	if in.Field(keys[0]).Type.ID() != arrow.INT64 {
		return nil, 0, nil, errors.Newf(errors.ErrSchema, "join key %q is %v, want int64", s.key, in.Field(keys[0]).Type)
	}
	m := &columnMap{}
	for i, f := range in.Fields() {
		m.keep(f, i)
	}
	var segCols []int
	for i, f := range s.seg.Fields {
		if f.Name == s.key {
			continue
		}
		if in.HasField(f.Name) {
			return nil, 0, nil, errors.Newf(errors.ErrSchema, "segmentation column %q already exists", f.Name)
		}
		m.compute(arrow.Field{Name: f.Name, Type: f.ArrowType(), Nullable: true})
		segCols = append(segCols, i)
	}
	return m, keys[0], segCols, nil
}

func (s joinStep) Output(in *arrow.Schema) (*arrow.Schema, error) {
	m, _, _, err := s.plan(in)
	if err != nil {
		return nil, err
	}
	return m.schema(in), nil
}

func (s joinStep) Apply(_ context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	m, key, segCols, err := s.plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	ids := rec.Column(key).(*array.Int64)
	lookup := make([]int64, 0, ids.Len())
	for r := 0; r < ids.Len(); r++ {
		if ids.IsValid(r) {
			lookup = append(lookup, ids.Value(r))
		}
	}
	rows, err := s.idx.Lookup(lookup)
	if err != nil {
		return nil, errors.Wrap(err, "joining segmentation rows")
	}

	builders := make([]array.Builder, len(segCols))
	for j, c := range segCols {
		builders[j] = array.NewBuilder(mem, s.seg.Fields[c].ArrowType())
		builders[j].Reserve(ids.Len())
		defer builders[j].Release()
	}
	misses := 0
	for r := 0; r < ids.Len(); r++ {
		var row []string
		if ids.IsValid(r) {
			row = rows[ids.Value(r)]
		}
		if row == nil {
			misses++
			for _, b := range builders {
				b.AppendNull()
			}
			continue
		}
		if len(row) != len(s.seg.Fields) {
			return nil, errors.Newf(errors.ErrSchema, "segmentation row for id %d has %d fields, want %d", ids.Value(r), len(row), len(s.seg.Fields))
		}
		for j, c := range segCols {
			if err := schema.AppendValue(builders[j], s.seg.Fields[c], row[c]); err != nil {
				return nil, errors.Newf(errors.ErrSchema, "segmentation id %d: column %q: parsing %q: %v", ids.Value(r), s.seg.Fields[c].Name, row[c], err)
			}
		}
	}
	metrics.CounterJoinMisses.Add(float64(misses))

	computed := make([]arrow.Array, len(builders))
	for j, b := range builders {
		computed[j] = b.NewArray()
	}
	defer release(computed)
	return m.assemble(rec.Schema(), rec, computed), nil
}

// AssignPartition appends a uint16 column named column+suffix holding the
// partition of each row's column value. A null id is treated as 0.
func AssignPartition(column, suffix string, a *partition.Assigner) Step {
	return partitionStep{column: column, out: column + suffix, a: a}
}

type partitionStep struct {
	column, out string
	a           *partition.Assigner
}

func (s partitionStep) Name() string { return fmt.Sprintf("partition(%s %% %d)", s.column, s.a.N) }

func (s partitionStep) plan(in *arrow.Schema) (*columnMap, int, error) {
	idx := in.FieldIndices(s.column)
	if len(idx) != 1 {
		return nil, 0, errors.Newf(errors.ErrSchema, "partition column %q not found in %v", s.column, fieldNames(in))
	}
	switch in.Field(idx[0]).Type.ID() {
	case arrow.INT64, arrow.INT32, arrow.INT16:
	default:
		return nil, 0, errors.Newf(errors.ErrSchema, "partition column %q is %v, want an integer", s.column, in.Field(idx[0]).Type)
	}
	if in.HasField(s.out) {
		return nil, 0, errors.Newf(errors.ErrSchema, "column %q already exists", s.out)
	}
	m := &columnMap{}
	for i, f := range in.Fields() {
		m.keep(f, i)
	}
	m.compute(arrow.Field{Name: s.out, Type: arrow.PrimitiveTypes.Uint16})
	return m, idx[0], nil
}

func (s partitionStep) Output(in *arrow.Schema) (*arrow.Schema, error) {
	m, _, err := s.plan(in)
	if err != nil {
		return nil, err
	}
	return m.schema(in), nil
}

func (s partitionStep) Apply(_ context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	m, idx, err := s.plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	col := rec.Column(idx)
	b := array.NewUint16Builder(mem)
	defer b.Release()
	b.Reserve(col.Len())
	for r := 0; r < col.Len(); r++ {
		var id int64
		if col.IsValid(r) {
			switch c := col.(type) {
			case *array.Int64:
				id = c.Value(r)
			case *array.Int32:
				id = int64(c.Value(r))
			case *array.Int16:
				id = int64(c.Value(r))
			}
		}
		p, err := s.a.Partition(id)
		if err != nil {
			return nil, err
		}
		b.Append(p)
	}
	computed := []arrow.Array{b.NewArray()}
	defer release(computed)
	return m.assemble(rec.Schema(), rec, computed), nil
}

func fieldNames(s *arrow.Schema) []string {
	names := make([]string, len(s.Fields()))
	for i, f := range s.Fields() {
		names[i] = f.Name
	}
	return names
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"context"
	"io"
	"os"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/bdpedigo/cavelake/errors"
)

// rowGroupSize bounds the rows per parquet row group.
const rowGroupSize = 64 * 1024

// writeParquet writes rec to a new file at path and returns its size.
func writeParquet(path string, rec arrow.Record) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(false),
	)
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	// The writer closes sinks that implement io.Closer; hide Close so the
	// file can be synced first.
	if err := pqarrow.WriteTable(tbl, struct{ io.Writer }{f}, rowGroupSize, props, arrProps); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), f.Close()
}

// readParquet reads a whole data file.
func readParquet(ctx context.Context, path string, mem memory.Allocator) (arrow.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading parquet footer of %s", path)
	}
	defer pf.Close()
	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	tbl, err := reader.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return tbl, nil
}

// cleanSchema drops schema and field metadata added by the parquet reader so
// records read back compare equal to freshly built ones.
func cleanSchema(s *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields()))
	for i, f := range s.Fields() {
		fields[i] = arrow.Field{Name: f.Name, Type: f.Type, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

// tableRecords returns the records of tbl under schema. The caller releases
// them.
func tableRecords(tbl arrow.Table, schema *arrow.Schema) []arrow.Record {
	var recs []arrow.Record
	tr := array.NewTableReader(tbl, rowGroupSize)
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		recs = append(recs, array.NewRecord(schema, rec.Columns(), rec.NumRows()))
	}
	return recs
}

// rowRef addresses one row in a list of records.
type rowRef struct {
	rec int
	row int
}

func singleRefs(rows []int) []rowRef {
	refs := make([]rowRef, len(rows))
	for i, r := range rows {
		refs[i] = rowRef{row: r}
	}
	return refs
}

// takeRows builds a record from the referenced rows, in order. All records
// must share a schema; the result uses the first one's.
func takeRows(mem memory.Allocator, list []arrow.Record, refs []rowRef) arrow.Record {
	schema := list[0].Schema()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	for c := range schema.Fields() {
		fb := b.Field(c)
		fb.Reserve(len(refs))
		for _, ref := range refs {
			appendFrom(fb, list[ref.rec].Column(c), ref.row)
		}
	}
	return b.NewRecord()
}

// appendFrom appends row i of src to b. Both must have the same type.
func appendFrom(b array.Builder, src arrow.Array, i int) {
	if src.IsNull(i) {
		b.AppendNull()
		return
	}
	switch a := src.(type) {
	case *array.Int64:
		b.(*array.Int64Builder).Append(a.Value(i))
	case *array.Int32:
		b.(*array.Int32Builder).Append(a.Value(i))
	case *array.Int16:
		b.(*array.Int16Builder).Append(a.Value(i))
	case *array.Uint16:
		b.(*array.Uint16Builder).Append(a.Value(i))
	case *array.Uint64:
		b.(*array.Uint64Builder).Append(a.Value(i))
	case *array.Float32:
		b.(*array.Float32Builder).Append(a.Value(i))
	case *array.Float64:
		b.(*array.Float64Builder).Append(a.Value(i))
	case *array.Boolean:
		b.(*array.BooleanBuilder).Append(a.Value(i))
	case *array.String:
		b.(*array.StringBuilder).Append(a.Value(i))
	case *array.Date32:
		b.(*array.Date32Builder).Append(a.Value(i))
	case *array.Timestamp:
		b.(*array.TimestampBuilder).Append(a.Value(i))
	case *array.Decimal128:
		b.(*array.Decimal128Builder).Append(a.Value(i))
	default:
		panic(errors.Newf(errors.ErrSchema, "unsupported column type %v", src.DataType()))
	}
}

// intStats returns the minimum and maximum of each integer column, skipping
// columns that are entirely null.
func intStats(rec arrow.Record) (lo, hi map[string]int64) {
	lo, hi = make(map[string]int64), make(map[string]int64)
	for c, f := range rec.Schema().Fields() {
		col := rec.Column(c)
		var value func(int) int64
		switch a := col.(type) {
		case *array.Int64:
			value = a.Value
		case *array.Int32:
			value = func(i int) int64 { return int64(a.Value(i)) }
		case *array.Int16:
			value = func(i int) int64 { return int64(a.Value(i)) }
		case *array.Uint16:
			value = func(i int) int64 { return int64(a.Value(i)) }
		default:
			continue
		}
		seen := false
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				continue
			}
			v := value(i)
			if !seen || v < lo[f.Name] {
				lo[f.Name] = v
			}
			if !seen || v > hi[f.Name] {
				hi[f.Name] = v
			}
			seen = true
		}
	}
	if len(lo) == 0 {
		return nil, nil
	}
	return lo, hi
}

// dropColumn returns rec without the named column. The result shares
// rec's arrays and must be released.
func dropColumn(rec arrow.Record, name string) arrow.Record {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		rec.Retain()
		return rec
	}
	fields := make([]arrow.Field, 0, rec.NumCols()-1)
	cols := make([]arrow.Array, 0, rec.NumCols()-1)
	for i, f := range rec.Schema().Fields() {
		if i == idx[0] {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows())
}

// withPartition puts the partition column back into a record read from a
// data file, at its position in the table schema. Files that still carry
// the column are returned as is. The result must be released.
func withPartition(mem memory.Allocator, rec arrow.Record, meta *MetaData, value uint16) arrow.Record {
	if meta == nil || meta.PartitionBy == "" || len(rec.Schema().FieldIndices(meta.PartitionBy)) > 0 {
		rec.Retain()
		return rec
	}
	pos := int(rec.NumCols())
	for i, c := range meta.Schema {
		if c.Name == meta.PartitionBy && i < pos {
			pos = i
		}
	}

	b := array.NewUint16Builder(mem)
	defer b.Release()
	b.Reserve(int(rec.NumRows()))
	for i := int64(0); i < rec.NumRows(); i++ {
		b.Append(value)
	}
	col := b.NewArray()
	defer col.Release()

	src := rec.Schema().Fields()
	fields := make([]arrow.Field, 0, len(src)+1)
	fields = append(fields, src[:pos]...)
	fields = append(fields, arrow.Field{Name: meta.PartitionBy, Type: arrow.PrimitiveTypes.Uint16})
	fields = append(fields, src[pos:]...)
	cols := make([]arrow.Array, 0, len(src)+1)
	cols = append(cols, rec.Columns()[:pos]...)
	cols = append(cols, col)
	cols = append(cols, rec.Columns()[pos:]...)
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows())
}

// nullCounts returns the number of nulls in each column of rec.
func nullCounts(rec arrow.Record) map[string]int64 {
	m := make(map[string]int64, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		m[f.Name] = int64(rec.Column(i).NullN())
	}
	return m
}

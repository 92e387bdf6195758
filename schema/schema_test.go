// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package schema_test

import (
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateType(t *testing.T) {
	tests := []struct {
		raw string
		exp schema.Type
	}{
		{"bigint", schema.Int64},
		{"  INTEGER ", schema.Int32},
		{"smallint", schema.Int16},
		{"real", schema.Float32},
		{"double precision", schema.Float64},
		{"numeric(10,2)", schema.Decimal},
		{"boolean", schema.Boolean},
		{"text", schema.String},
		{"character varying(255)", schema.String},
		{"varchar", schema.String},
		{"date", schema.Date},
		{"timestamp without time zone", schema.Timestamp},
		{"Timestamp With Time Zone", schema.Timestamp},
	}
	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			got, err := schema.TranslateType(test.raw)
			require.NoError(t, err)
			assert.Equal(t, test.exp, got)
		})
	}
}

func TestTranslateTypeUnknown(t *testing.T) {
	_, err := schema.TranslateType("geometry")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))
	assert.Equal(t,
		`unrecognized SQL type "geometry"; valid options: bigint, boolean, character varying, date, double precision, integer, numeric, real, smallint, text, timestamp with time zone, timestamp without time zone, varchar`,
		err.Error())

	// The message does not depend on map iteration order.
	_, err2 := schema.TranslateType("geometry")
	assert.Equal(t, err.Error(), err2.Error())
}

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, "character varying", schema.NormalizeType(" Character Varying (255) "))
	assert.Equal(t, "numeric", schema.NormalizeType("numeric(38,9)"))
}

func TestReadHeader(t *testing.T) {
	desc, err := schema.ReadHeader(strings.NewReader("id,bigint\nvalid,boolean\npre_pt_position,text\n"))
	require.NoError(t, err)
	assert.Equal(t, schema.Descriptor{
		{Name: "id", SourceType: "bigint"},
		{Name: "valid", SourceType: "boolean"},
		{Name: "pre_pt_position", SourceType: "text"},
	}, desc)

	_, err = schema.ReadHeader(strings.NewReader("id,bigint\nid,text\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))
	assert.Contains(t, err.Error(), `duplicate field "id"`)

	_, err = schema.ReadHeader(strings.NewReader(""))
	assert.True(t, errors.Is(err, errors.ErrSchema))

	_, err = schema.ReadHeader(strings.NewReader("id,bigint,extra\n"))
	assert.True(t, errors.Is(err, errors.ErrSchema))
}

func TestTranslate(t *testing.T) {
	desc := schema.Descriptor{
		{Name: "id", SourceType: "bigint"},
		{Name: "valid", SourceType: "boolean"},
		{Name: "flag", SourceType: "boolean"},
		{Name: "name", SourceType: "text"},
		{Name: "size", SourceType: "numeric(10,2)"},
		{Name: "volume", SourceType: "numeric"},
	}
	s, err := schema.Translate(desc, schema.NewOverrides("valid", "name"))
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "valid", "flag", "name", "size", "volume"}, s.Names())
	assert.Equal(t, schema.String, s.Fields[1].Type)
	assert.Equal(t, schema.Boolean, s.Fields[2].Type)
	assert.Equal(t, schema.String, s.Fields[3].Type)
	assert.Equal(t, []string{"valid"}, s.Coerced(), "only boolean fields are coerced")
	assert.Equal(t, int32(10), s.Fields[4].Precision)
	assert.Equal(t, int32(2), s.Fields[4].Scale)
	assert.Equal(t, int32(schema.DefaultDecimalPrecision), s.Fields[5].Precision)
	assert.Equal(t, 3, s.Index("name"))
	assert.Equal(t, -1, s.Index("missing"))

	as := s.Arrow()
	assert.Equal(t, arrow.INT64, as.Field(0).Type.ID())
	assert.Equal(t, arrow.STRING, as.Field(1).Type.ID())
	assert.Equal(t, arrow.DECIMAL128, as.Field(4).Type.ID())

	_, err = schema.Translate(schema.Descriptor{{Name: "a", SourceType: "int"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))
	assert.Contains(t, err.Error(), `field "a"`)

	_, err = schema.Translate(schema.Descriptor{{Name: "a", SourceType: "numeric(50,2)"}}, nil)
	assert.True(t, errors.Is(err, errors.ErrSchema))
}

func TestCoerceBoolean(t *testing.T) {
	tests := []struct {
		token string
		valid bool
		val   bool
		ok    bool
	}{
		{"t", true, true, true},
		{"f", true, false, true},
		{"true", true, false, false},
		{"T", true, false, false},
		{"", true, false, false},
		{"t", false, false, false},
	}
	for _, test := range tests {
		val, ok := schema.CoerceBoolean(test.token, test.valid)
		assert.Equal(t, test.val, val, "token %q", test.token)
		assert.Equal(t, test.ok, ok, "token %q", test.token)
	}
}

func TestAppendRow(t *testing.T) {
	desc := schema.Descriptor{
		{Name: "id", SourceType: "bigint"},
		{Name: "n", SourceType: "integer"},
		{Name: "s", SourceType: "smallint"},
		{Name: "r", SourceType: "real"},
		{Name: "d", SourceType: "double precision"},
		{Name: "m", SourceType: "numeric(10,2)"},
		{Name: "b", SourceType: "boolean"},
		{Name: "txt", SourceType: "text"},
		{Name: "day", SourceType: "date"},
		{Name: "ts", SourceType: "timestamp with time zone"},
	}
	s, err := schema.Translate(desc, nil)
	require.NoError(t, err)

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	rb := array.NewRecordBuilder(mem, s.Arrow())
	defer rb.Release()

	require.NoError(t, s.AppendRow(rb, []string{"9", "-3", "7", "1.5", "2.25", "12.345", "t", "hi", "1970-01-03", "2022-05-01 12:00:00.5+02"}, 1))
	require.NoError(t, s.AppendRow(rb, []string{"", "", "", "", "", "", "", "", "", ""}, 2))

	rec := rb.NewRecord()
	defer rec.Release()
	require.Equal(t, int64(2), rec.NumRows())

	assert.Equal(t, int64(9), rec.Column(0).(*array.Int64).Value(0))
	assert.Equal(t, int32(-3), rec.Column(1).(*array.Int32).Value(0))
	assert.Equal(t, int16(7), rec.Column(2).(*array.Int16).Value(0))
	assert.Equal(t, float32(1.5), rec.Column(3).(*array.Float32).Value(0))
	assert.Equal(t, 2.25, rec.Column(4).(*array.Float64).Value(0))
	assert.Equal(t, "1234", rec.Column(5).(*array.Decimal128).Value(0).BigInt().String())
	assert.True(t, rec.Column(6).(*array.Boolean).Value(0))
	assert.Equal(t, "hi", rec.Column(7).(*array.String).Value(0))
	assert.Equal(t, arrow.Date32(2), rec.Column(8).(*array.Date32).Value(0))
	exp := time.Date(2022, 5, 1, 10, 0, 0, 500000000, time.UTC)
	assert.Equal(t, arrow.Timestamp(exp.UnixMicro()), rec.Column(9).(*array.Timestamp).Value(0))

	for i := 0; i < int(rec.NumCols()); i++ {
		assert.True(t, rec.Column(i).IsNull(1), "column %d", i)
	}
}

func TestAppendRowErrors(t *testing.T) {
	s, err := schema.Translate(schema.Descriptor{{Name: "id", SourceType: "bigint"}, {Name: "n", SourceType: "smallint"}}, nil)
	require.NoError(t, err)
	rb := array.NewRecordBuilder(memory.NewGoAllocator(), s.Arrow())
	defer rb.Release()

	err = s.AppendRow(rb, []string{"1"}, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))

	err = s.AppendRow(rb, []string{"1", "99999"}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchema))
	assert.Contains(t, err.Error(), `row 5: column "n": parsing "99999" as int16`)
}

func TestParseDecimal(t *testing.T) {
	n, err := schema.ParseDecimal("-1.239", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, "-123", n.BigInt().String())

	_, err = schema.ParseDecimal("123456", 5, 0)
	require.Error(t, err)

	_, err = schema.ParseDecimal("abc", 5, 0)
	require.Error(t, err)
}

func TestToDate32(t *testing.T) {
	assert.Equal(t, arrow.Date32(0), schema.ToDate32(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, arrow.Date32(-1), schema.ToDate32(time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, arrow.Date32(19000), schema.ToDate32(time.Date(2022, 1, 8, 0, 0, 0, 0, time.UTC)))
}

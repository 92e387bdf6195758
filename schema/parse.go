// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package schema

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/decimal128"
	"github.com/bdpedigo/cavelake/errors"
)

// timestampLayouts are tried in order. They cover what postgres COPY emits
// for both timestamp flavors as well as RFC 3339.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

const secondsPerDay = 24 * 60 * 60

// AppendRow parses one CSV record into rb, whose schema must be s.Arrow().
// row is only used in error messages.
func (s Schema) AppendRow(rb *array.RecordBuilder, record []string, row int64) error {
	if len(record) != len(s.Fields) {
		return errors.Newf(errors.ErrSchema, "row %d: expected %d columns, got %d", row, len(s.Fields), len(record))
	}
	for i, f := range s.Fields {
		if err := AppendValue(rb.Field(i), f, record[i]); err != nil {
			return errors.Newf(errors.ErrSchema, "row %d: column %q: parsing %q as %s: %v", row, f.Name, record[i], f.Type, err)
		}
	}
	return nil
}

// AppendValue parses raw as a value of f and appends it to b. An empty
// string is appended as null.
func AppendValue(b array.Builder, f Field, raw string) error {
	if raw == "" {
		b.AppendNull()
		return nil
	}
	switch f.Type {
	case Int64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case Int32:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return err
		}
		b.(*array.Int32Builder).Append(int32(v))
	case Int16:
		v, err := strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return err
		}
		b.(*array.Int16Builder).Append(int16(v))
	case Float32:
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return err
		}
		b.(*array.Float32Builder).Append(float32(v))
	case Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case Decimal:
		v, err := ParseDecimal(raw, f.Precision, f.Scale)
		if err != nil {
			return err
		}
		b.(*array.Decimal128Builder).Append(v)
	case Boolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		b.(*array.BooleanBuilder).Append(v)
	case Date:
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return err
		}
		b.(*array.Date32Builder).Append(ToDate32(t))
	case Timestamp:
		t, err := ParseTimestamp(raw)
		if err != nil {
			return err
		}
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UnixMicro()))
	default:
		b.(*array.StringBuilder).Append(raw)
	}
	return nil
}

// ParseTimestamp parses raw with the first matching layout and returns it in
// UTC. Values without an offset are taken to be UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// ToDate32 returns the number of days between the epoch and t's date.
func ToDate32(t time.Time) arrow.Date32 {
	secs := t.Unix()
	days := secs / secondsPerDay
	if secs%secondsPerDay < 0 {
		days--
	}
	return arrow.Date32(days)
}

// ParseDecimal parses a base 10 literal into a decimal with the given scale.
// Extra fractional digits are truncated; a value needing more than precision
// digits is an error.
func ParseDecimal(raw string, precision, scale int32) (decimal128.Num, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
	if !ok {
		return decimal128.Num{}, errors.Errorf("invalid decimal")
	}
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	r.Mul(r, new(big.Rat).SetInt(pow))
	unscaled := new(big.Int).Quo(r.Num(), r.Denom())

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(precision)), nil)
	if new(big.Int).Abs(unscaled).Cmp(limit) >= 0 {
		return decimal128.Num{}, errors.Errorf("value exceeds precision %d", precision)
	}
	return decimal128.FromBigInt(unscaled), nil
}

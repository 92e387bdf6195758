// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package geometry_test

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"testing"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wkbPoint builds a little endian point record with the given type word and
// optional SRID.
func wkbPoint(typ uint32, srid *uint32, coords ...float64) string {
	buf := []byte{1}
	buf = binary.LittleEndian.AppendUint32(buf, typ)
	if srid != nil {
		buf = binary.LittleEndian.AppendUint32(buf, *srid)
	}
	for _, c := range coords {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c))
	}
	return hex.EncodeToString(buf)
}

func TestDecodePoint(t *testing.T) {
	srid := uint32(4326)
	tests := []struct {
		name string
		hex  string
		exp  [3]int32
	}{
		{name: "ewkb", hex: wkbPoint(0x80000001, nil, 100, 200, 300), exp: [3]int32{100, 200, 300}},
		{name: "ewkb srid", hex: wkbPoint(0xA0000001, &srid, 1, 2, 3), exp: [3]int32{1, 2, 3}},
		{name: "iso wkb", hex: wkbPoint(1001, nil, 7, 8, 9), exp: [3]int32{7, 8, 9}},
		{name: "truncates", hex: wkbPoint(0x80000001, nil, 1.9, -1.9, 0.5), exp: [3]int32{1, -1, 0}},
		{name: "large", hex: wkbPoint(0x80000001, nil, 2147483647, -2147483648, 0), exp: [3]int32{math.MaxInt32, math.MinInt32, 0}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := geometry.DecodePoint(test.hex)
			require.NoError(t, err)
			assert.Equal(t, test.exp, got)
		})
	}
}

func TestDecodePointErrors(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{name: "not hex", hex: "zz"},
		{name: "truncated", hex: wkbPoint(0x80000001, nil, 1, 2)},
		{name: "no z", hex: wkbPoint(1, nil, 1, 2)},
		{name: "linestring", hex: wkbPoint(0x80000002, nil)},
		{name: "out of range", hex: wkbPoint(0x80000001, nil, 1e12, 0, 0)},
		{name: "nan", hex: wkbPoint(0x80000001, nil, math.NaN(), 0, 0)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := geometry.DecodePoint(test.hex)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrDecode), "got %v", err)
		})
	}
}

func TestPositionColumns(t *testing.T) {
	assert.True(t, geometry.IsPositionColumn("post_pt_position"))
	assert.False(t, geometry.IsPositionColumn("post_pt_root_id"))
	assert.Equal(t, [3]string{"pre_pt_position_x", "pre_pt_position_y", "pre_pt_position_z"},
		geometry.AxisColumns("pre_pt_position"))
}

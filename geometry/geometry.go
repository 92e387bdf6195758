// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package geometry decodes the hex encoded WKB points that materialization
// exports carry in their *_pt_position columns.
package geometry

import (
	"math"
	"strings"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"
	"github.com/twpayne/go-geom/encoding/wkbhex"
)

// PositionSuffix marks a column holding a packed point.
const PositionSuffix = "_pt_position"

// Axes are appended to a position column name to name its decoded parts.
var Axes = [3]string{"_x", "_y", "_z"}

// IsPositionColumn reports whether name holds a packed point.
func IsPositionColumn(name string) bool {
	return strings.HasSuffix(name, PositionSuffix)
}

// AxisColumns returns the names of the three columns a position column is
// decoded into.
func AxisColumns(name string) [3]string {
	return [3]string{name + Axes[0], name + Axes[1], name + Axes[2]}
}

// DecodePoint decodes a hex string holding a single 3D point, in either
// PostGIS EWKB (with or without SRID) or ISO WKB form. Coordinates are
// truncated toward zero; source positions are already integer voxel units.
func DecodePoint(s string) ([3]int32, error) {
	var out [3]int32

	g, err := ewkbhex.Decode(s)
	if err != nil {
		// ISO WKB flags Z with a type offset of 1000 which EWKB rejects.
		var werr error
		if g, werr = wkbhex.Decode(s); werr != nil {
			return out, errors.Newf(errors.ErrDecode, "decoding point %q: %v", abbreviate(s), err)
		}
	}

	p, ok := g.(*geom.Point)
	if !ok {
		return out, errors.Newf(errors.ErrDecode, "decoding point %q: got %T, want point", abbreviate(s), g)
	}
	if p.Layout() != geom.XYZ && p.Layout() != geom.XYZM {
		return out, errors.Newf(errors.ErrDecode, "decoding point %q: layout %v has no Z", abbreviate(s), p.Layout())
	}

	coords := p.FlatCoords()
	for i := 0; i < 3; i++ {
		v := coords[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, errors.Newf(errors.ErrDecode, "decoding point %q: non-finite coordinate", abbreviate(s))
		}
		v = math.Trunc(v)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return out, errors.Newf(errors.ErrDecode, "decoding point %q: coordinate %v out of int32 range", abbreviate(s), v)
		}
		out[i] = int32(v)
	}
	return out, nil
}

func abbreviate(s string) string {
	if len(s) <= 64 {
		return s
	}
	return s[:61] + "..."
}

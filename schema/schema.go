// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package schema translates the SQL column types listed in a materialization
// header file into arrow types, and parses raw CSV values into arrow builders.
package schema

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/bdpedigo/cavelake/errors"
)

// Type is a target column type.
type Type int

const (
	Int64 Type = iota
	Int32
	Int16
	Float32
	Float64
	Decimal
	Boolean
	String
	Date
	Timestamp
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "int64"
	case Int32:
		return "int32"
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Decimal:
		return "decimal"
	case Boolean:
		return "boolean"
	case String:
		return "string"
	case Date:
		return "date"
	case Timestamp:
		return "timestamp"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// Default precision and scale for numeric columns declared without them.
const (
	DefaultDecimalPrecision = 38
	DefaultDecimalScale     = 9
)

// sourceTypes maps normalized SQL type names to target types. The keys are
// the only accepted spellings.
var sourceTypes = map[string]Type{
	"bigint":                      Int64,
	"integer":                     Int32,
	"smallint":                    Int16,
	"real":                        Float32,
	"double precision":            Float64,
	"numeric":                     Decimal,
	"boolean":                     Boolean,
	"text":                        String,
	"varchar":                     String,
	"character varying":           String,
	"date":                        Date,
	"timestamp without time zone": Timestamp,
	"timestamp with time zone":    Timestamp,
}

// ValidTypeNames returns every accepted SQL type name, sorted.
func ValidTypeNames() []string {
	names := make([]string, 0, len(sourceTypes))
	for name := range sourceTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeType trims and lowercases s and strips a parenthesized suffix, so
// "Character Varying(255)" becomes "character varying".
func NormalizeType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "("); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

// TranslateType looks up the target type of a raw SQL type string.
func TranslateType(s string) (Type, error) {
	t, ok := sourceTypes[NormalizeType(s)]
	if !ok {
		return 0, errors.Newf(errors.ErrSchema, "unrecognized SQL type %q; valid options: %s",
			s, strings.Join(ValidTypeNames(), ", "))
	}
	return t, nil
}

// Column is one row of a header file.
type Column struct {
	Name       string
	SourceType string
}

// Descriptor is the ordered column list of a source table.
type Descriptor []Column

// ReadHeader reads a headerless two-column CSV of (field name, SQL type).
func ReadHeader(r io.Reader) (Descriptor, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	var desc Descriptor
	seen := make(map[string]struct{})
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.WithCode(errors.Wrap(err, "reading header"), errors.ErrSchema)
		}
		name := strings.TrimSpace(rec[0])
		if name == "" {
			return nil, errors.Newf(errors.ErrSchema, "header line %d: empty field name", line)
		}
		if _, ok := seen[name]; ok {
			return nil, errors.Newf(errors.ErrSchema, "header line %d: duplicate field %q", line, name)
		}
		seen[name] = struct{}{}
		desc = append(desc, Column{Name: name, SourceType: rec[1]})
	}
	if len(desc) == 0 {
		return nil, errors.New(errors.ErrSchema, "header has no columns")
	}
	return desc, nil
}

// ReadHeaderFile opens path and reads it with ReadHeader.
func ReadHeaderFile(path string) (Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening header")
	}
	defer f.Close()
	return ReadHeader(f)
}

// Overrides is the set of boolean columns whose raw values are the tokens
// "t" and "f" rather than native booleans. They are read as strings and
// coerced afterwards.
type Overrides map[string]struct{}

// NewOverrides builds an Overrides set from names.
func NewOverrides(names ...string) Overrides {
	o := make(Overrides, len(names))
	for _, n := range names {
		o[n] = struct{}{}
	}
	return o
}

// Has reports whether name is overridden.
func (o Overrides) Has(name string) bool {
	_, ok := o[name]
	return ok
}

// Field is a translated column.
type Field struct {
	Name string
	Type Type

	// Precision and Scale are only set for Decimal.
	Precision int32
	Scale     int32

	// Coerce marks a boolean read as a "t"/"f" string.
	Coerce bool
}

// ArrowType returns the arrow type values of f are stored as.
func (f Field) ArrowType() arrow.DataType {
	switch f.Type {
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int16:
		return arrow.PrimitiveTypes.Int16
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Decimal:
		return &arrow.Decimal128Type{Precision: f.Precision, Scale: f.Scale}
	case Boolean:
		return arrow.FixedWidthTypes.Boolean
	case Date:
		return arrow.FixedWidthTypes.Date32
	case Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	}
	return arrow.BinaryTypes.String
}

// Schema is the translated, ordered field list of a source table.
type Schema struct {
	Fields []Field
}

// Translate maps every column of desc to a target type. Boolean columns named
// in overrides become String.
func Translate(desc Descriptor, overrides Overrides) (Schema, error) {
	s := Schema{Fields: make([]Field, 0, len(desc))}
	seen := make(map[string]struct{}, len(desc))
	for _, col := range desc {
		if _, ok := seen[col.Name]; ok {
			return Schema{}, errors.Newf(errors.ErrSchema, "duplicate field %q", col.Name)
		}
		seen[col.Name] = struct{}{}

		typ, err := TranslateType(col.SourceType)
		if err != nil {
			return Schema{}, errors.WithMessagef(err, "field %q", col.Name)
		}
		f := Field{Name: col.Name, Type: typ}
		switch {
		case typ == Boolean && overrides.Has(col.Name):
			f.Type = String
			f.Coerce = true
		case typ == Decimal:
			f.Precision, f.Scale, err = decimalParams(col.SourceType)
			if err != nil {
				return Schema{}, errors.WithMessagef(err, "field %q", col.Name)
			}
		}
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

// decimalParams reads the precision and scale of "numeric(p,s)" or
// "numeric(p)", falling back to the defaults for a bare "numeric".
func decimalParams(raw string) (precision, scale int32, err error) {
	precision, scale = DefaultDecimalPrecision, DefaultDecimalScale
	open := strings.Index(raw, "(")
	if open < 0 {
		return precision, scale, nil
	}
	end := strings.Index(raw, ")")
	if end < open {
		return 0, 0, errors.Newf(errors.ErrSchema, "malformed numeric type %q", raw)
	}
	parts := strings.Split(raw[open+1:end], ",")
	p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || p < 1 || p > 38 {
		return 0, 0, errors.Newf(errors.ErrSchema, "numeric precision must be in [1, 38]: %q", raw)
	}
	s := 0
	if len(parts) > 1 {
		s, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || s < 0 || s > p {
			return 0, 0, errors.Newf(errors.ErrSchema, "numeric scale must be in [0, precision]: %q", raw)
		}
	}
	return int32(p), int32(s), nil
}

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Coerced returns the names of fields read as strings that must be coerced
// to booleans.
func (s Schema) Coerced() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Coerce {
			names = append(names, f.Name)
		}
	}
	return names
}

// Arrow builds the arrow schema. Every field is nullable; an empty CSV value
// is a null.
func (s Schema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: f.ArrowType(), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// CoerceBoolean maps the tokens "t" and "f" to true and false. Any other
// token, or a null (valid == false), yields ok == false.
func CoerceBoolean(token string, valid bool) (value, ok bool) {
	if !valid {
		return false, false
	}
	switch token {
	case "t":
		return true, true
	case "f":
		return false, true
	}
	return false, false
}

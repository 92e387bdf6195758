// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bdpedigo/cavelake/errors"
)

// Keys under which table state that Delta has no field for is carried.
// Delta readers pass configuration, field metadata and tags through
// untouched.
const (
	confPartitionSource = "cavelake.partitionSource"
	confPartitions      = "cavelake.partitions"
	fieldArrowType      = "cavelake.arrowType"
	tagZOrderBy         = "cavelake.zOrderBy"
	tagFilterPrefix     = "cavelake.filter."
)

type deltaFormat struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options"`
}

type deltaMetaData struct {
	ID               string            `json:"id"`
	Format           deltaFormat       `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration"`
	CreatedTime      int64             `json:"createdTime,omitempty"`
}

type deltaStruct struct {
	Type   string       `json:"type"`
	Fields []deltaField `json:"fields"`
}

// Type is raw because nested Delta types are objects rather than names.
type deltaField struct {
	Name     string                 `json:"name"`
	Type     json.RawMessage        `json:"type"`
	Nullable bool                   `json:"nullable"`
	Metadata map[string]interface{} `json:"metadata"`
}

type deltaAdd struct {
	Path             string             `json:"path"`
	PartitionValues  map[string]*string `json:"partitionValues"`
	Size             int64              `json:"size"`
	ModificationTime int64              `json:"modificationTime"`
	DataChange       bool               `json:"dataChange"`
	Stats            string             `json:"stats,omitempty"`
	Tags             map[string]string  `json:"tags,omitempty"`
}

type deltaStats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]int64 `json:"minValues,omitempty"`
	MaxValues  map[string]int64 `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// deltaType returns the Delta primitive type name for an arrow type name.
func deltaType(arrowType string) (string, error) {
	switch arrowType {
	case "int64", "uint32":
		return "long", nil
	case "int32", "uint16":
		return "integer", nil
	case "int16", "uint8":
		return "short", nil
	case "int8":
		return "byte", nil
	case "float32":
		return "float", nil
	case "float64":
		return "double", nil
	case "bool":
		return "boolean", nil
	case "utf8", "large_utf8":
		return "string", nil
	case "binary", "large_binary":
		return "binary", nil
	case "date32":
		return "date", nil
	}
	switch {
	case strings.HasPrefix(arrowType, "timestamp"):
		return "timestamp", nil
	case strings.HasPrefix(arrowType, "decimal("):
		return strings.ReplaceAll(arrowType, " ", ""), nil
	}
	return "", errors.Newf(errors.ErrSchema, "column type %s has no table type", arrowType)
}

// arrowType is the inverse of deltaType for tables written elsewhere, whose
// fields carry no arrow type.
func arrowType(delta string) string {
	switch delta {
	case "long":
		return "int64"
	case "integer":
		return "int32"
	case "short":
		return "int16"
	case "byte":
		return "int8"
	case "float":
		return "float32"
	case "double":
		return "float64"
	case "boolean":
		return "bool"
	case "string":
		return "utf8"
	case "date":
		return "date32"
	case "timestamp":
		return "timestamp[us, tz=UTC]"
	}
	if strings.HasPrefix(delta, "decimal(") {
		return strings.ReplaceAll(delta, ",", ", ")
	}
	return delta
}

// schemaString encodes cols as a Delta struct type. Only the partition
// column is non-nullable.
func schemaString(cols []ColumnDesc, partitionBy string) (string, error) {
	st := deltaStruct{Type: "struct", Fields: make([]deltaField, len(cols))}
	for i, c := range cols {
		dt, err := deltaType(c.Type)
		if err != nil {
			return "", errors.Wrapf(err, "column %q", c.Name)
		}
		raw, _ := json.Marshal(dt)
		st.Fields[i] = deltaField{
			Name:     c.Name,
			Type:     raw,
			Nullable: c.Name != partitionBy,
			Metadata: map[string]interface{}{fieldArrowType: c.Type},
		}
	}
	b, err := json.Marshal(st)
	return string(b), err
}

func parseSchemaString(s string) ([]ColumnDesc, error) {
	var st deltaStruct
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return nil, errors.Wrap(err, "decoding schemaString")
	}
	cols := make([]ColumnDesc, len(st.Fields))
	for i, f := range st.Fields {
		cols[i].Name = f.Name
		if t, ok := f.Metadata[fieldArrowType].(string); ok {
			cols[i].Type = t
			continue
		}
		var name string
		if err := json.Unmarshal(f.Type, &name); err != nil {
			// Nested types are carried as their raw JSON.
			name = string(f.Type)
		}
		cols[i].Type = arrowType(name)
	}
	return cols, nil
}

// MarshalJSON encodes m as a Delta metaData action.
func (m MetaData) MarshalJSON() ([]byte, error) {
	ss, err := schemaString(m.Schema, m.PartitionBy)
	if err != nil {
		return nil, err
	}
	w := deltaMetaData{
		ID:               m.ID,
		Format:           deltaFormat{Provider: "parquet", Options: map[string]string{}},
		SchemaString:     ss,
		PartitionColumns: []string{},
		Configuration:    map[string]string{},
		CreatedTime:      m.CreatedTime,
	}
	if m.PartitionBy != "" {
		w.PartitionColumns = append(w.PartitionColumns, m.PartitionBy)
	}
	if m.PartitionSource != "" {
		w.Configuration[confPartitionSource] = m.PartitionSource
	}
	if m.Partitions != 0 {
		w.Configuration[confPartitions] = strconv.Itoa(m.Partitions)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Delta metaData action.
func (m *MetaData) UnmarshalJSON(b []byte) error {
	var w deltaMetaData
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Format.Provider != "" && w.Format.Provider != "parquet" {
		return errors.Newf(errors.ErrConfiguration, "unsupported data file format %q", w.Format.Provider)
	}
	if len(w.PartitionColumns) > 1 {
		return errors.Newf(errors.ErrConfiguration, "table is partitioned by %d columns, want one", len(w.PartitionColumns))
	}
	cols, err := parseSchemaString(w.SchemaString)
	if err != nil {
		return err
	}
	*m = MetaData{
		ID:              w.ID,
		Schema:          cols,
		PartitionSource: w.Configuration[confPartitionSource],
		CreatedTime:     w.CreatedTime,
	}
	if len(w.PartitionColumns) == 1 {
		m.PartitionBy = w.PartitionColumns[0]
	}
	if n, ok := w.Configuration[confPartitions]; ok {
		if m.Partitions, err = strconv.Atoi(n); err != nil {
			return errors.Wrapf(err, "parsing %s", confPartitions)
		}
	}
	return nil
}

// MarshalJSON encodes f as a Delta add action. Statistics are a JSON
// document inside a string, as the protocol requires.
func (f AddFile) MarshalJSON() ([]byte, error) {
	w := deltaAdd{
		Path:             f.Path,
		PartitionValues:  map[string]*string{},
		Size:             f.Size,
		ModificationTime: f.ModificationTime,
		DataChange:       f.DataChange,
	}
	if f.PartitionBy != "" {
		v := strconv.FormatUint(uint64(f.Partition), 10)
		w.PartitionValues[f.PartitionBy] = &v
	}
	stats, err := json.Marshal(deltaStats{
		NumRecords: f.Rows,
		MinValues:  f.Min,
		MaxValues:  f.Max,
		NullCount:  f.Nulls,
	})
	if err != nil {
		return nil, err
	}
	w.Stats = string(stats)

	if len(f.Filters) > 0 || len(f.ZOrderBy) > 0 {
		w.Tags = make(map[string]string, len(f.Filters)+1)
		for col, p := range f.Filters {
			w.Tags[tagFilterPrefix+col] = p
		}
		if len(f.ZOrderBy) > 0 {
			w.Tags[tagZOrderBy] = strings.Join(f.ZOrderBy, ",")
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Delta add action.
func (f *AddFile) UnmarshalJSON(b []byte) error {
	var w deltaAdd
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = AddFile{
		Path:             w.Path,
		Size:             w.Size,
		ModificationTime: w.ModificationTime,
		DataChange:       w.DataChange,
	}
	if len(w.PartitionValues) > 1 {
		return errors.Newf(errors.ErrConfiguration, "file %s has %d partition values, want one", w.Path, len(w.PartitionValues))
	}
	for col, v := range w.PartitionValues {
		if v == nil {
			return errors.Newf(errors.ErrSchema, "file %s has a null partition value", w.Path)
		}
		n, err := strconv.ParseUint(*v, 10, 16)
		if err != nil {
			return errors.Wrapf(err, "file %s partition value", w.Path)
		}
		f.PartitionBy, f.Partition = col, uint16(n)
	}
	if w.Stats != "" {
		var st struct {
			NumRecords int64                      `json:"numRecords"`
			MinValues  map[string]json.RawMessage `json:"minValues"`
			MaxValues  map[string]json.RawMessage `json:"maxValues"`
			NullCount  map[string]json.RawMessage `json:"nullCount"`
		}
		if err := json.Unmarshal([]byte(w.Stats), &st); err != nil {
			return errors.Wrapf(err, "file %s stats", w.Path)
		}
		f.Rows = st.NumRecords
		f.Min, f.Max, f.Nulls = intValues(st.MinValues), intValues(st.MaxValues), intValues(st.NullCount)
	}
	for k, v := range w.Tags {
		switch {
		case k == tagZOrderBy:
			f.ZOrderBy = strings.Split(v, ",")
		case strings.HasPrefix(k, tagFilterPrefix):
			if f.Filters == nil {
				f.Filters = make(map[string]string)
			}
			f.Filters[strings.TrimPrefix(k, tagFilterPrefix)] = v
		}
	}
	return nil
}

// intValues keeps the integer entries of a stats map. Other writers record
// bounds for strings, floats and nested columns, which pruning does not use.
func intValues(m map[string]json.RawMessage) map[string]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, raw := range m {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			out[k] = n
		}
	}
	return out
}

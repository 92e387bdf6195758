// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCommitPutIfAbsent(t *testing.T) {
	root := t.TempDir()
	actions := []Action{commitInfo(OpWrite, nil)}
	require.NoError(t, writeCommit(root, 0, actions))

	err := writeCommit(root, 0, actions)
	assert.True(t, errors.Is(err, errors.ErrWrite), "got %v", err)

	require.NoError(t, writeCommit(root, 1, actions))
	vs, err := versions(root)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, vs)

	got, err := readCommit(root, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, OpWrite, got[0].CommitInfo.Operation)
}

func TestSnapshotMissingVersion(t *testing.T) {
	root := t.TempDir()
	actions := []Action{commitInfo(OpWrite, nil)}
	require.NoError(t, writeCommit(root, 0, actions))
	require.NoError(t, writeCommit(root, 2, actions))
	_, err := snapshotAt(root, -1)
	assert.Error(t, err)
}

func TestInterleave(t *testing.T) {
	tests := []struct {
		vals []uint32
		exp  []byte
	}{
		{vals: []uint32{0}, exp: []byte{0, 0, 0, 0}},
		{vals: []uint32{1}, exp: []byte{0, 0, 0, 1}},
		{vals: []uint32{0xFFFFFFFF, 0}, exp: bytes.Repeat([]byte{0xAA}, 8)},
		{vals: []uint32{0, 0xFFFFFFFF}, exp: bytes.Repeat([]byte{0x55}, 8)},
		{vals: []uint32{1, 1}, exp: []byte{0, 0, 0, 0, 0, 0, 0, 3}},
	}
	for _, test := range tests {
		assert.Equal(t, test.exp, interleave(test.vals), "%v", test.vals)
	}

	// Keys order by the most significant differing bit of any column.
	assert.Less(t, bytes.Compare(interleave([]uint32{1, 2}), interleave([]uint32{2, 1})), 0)
	assert.Less(t, bytes.Compare(interleave([]uint32{3, 3}), interleave([]uint32{0, 4})), 0)
}

func TestVacuumable(t *testing.T) {
	for rel, exp := range map[string]bool{
		"p=1/part-00001-x.snappy.parquet": true,
		LogDir + "/00000000000000000000.json": false,
		LogDir + "/.tmp-abc":                  true,
		FilterDir + "/x.id.bloom":             true,
		"README":                              false,
	} {
		assert.Equal(t, exp, vacuumable(rel), rel)
	}
}

func TestActionRoundTrip(t *testing.T) {
	root := t.TempDir()
	meta := &MetaData{
		ID: "d5f1",
		Schema: []ColumnDesc{
			{Name: "id", Type: "int64"},
			{Name: "size", Type: "float64"},
			{Name: "created", Type: "timestamp[us, tz=UTC]"},
			{Name: "score", Type: "decimal(38, 9)"},
			{Name: "valid", Type: "bool"},
			{Name: "p", Type: "uint16"},
		},
		PartitionBy:     "p",
		PartitionSource: "id",
		Partitions:      8,
		CreatedTime:     1700000000000,
	}
	add := &AddFile{
		Path:             "p=7/part-00001-x.snappy.parquet",
		PartitionBy:      "p",
		Partition:        7,
		Size:             1024,
		Rows:             3,
		ModificationTime: 1700000000001,
		DataChange:       true,
		Min:              map[string]int64{"id": -4},
		Max:              map[string]int64{"id": 90},
		Nulls:            map[string]int64{"id": 0, "size": 1},
		Filters:          map[string]string{"id": "_filters/x.id.bloom"},
		ZOrderBy:         []string{"id", "size"},
	}
	actions := []Action{commitInfo(OpWrite, nil), protocol(), {MetaData: meta}, {Add: add}}
	require.NoError(t, writeCommit(root, 0, actions))

	got, err := readCommit(root, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, &Protocol{MinReaderVersion: 1, MinWriterVersion: 2}, got[1].Protocol)
	assert.Equal(t, meta, got[2].MetaData)
	assert.Equal(t, add, got[3].Add)
}

func TestReadForeignActions(t *testing.T) {
	var meta MetaData
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "abc",
		"format": {"provider": "parquet", "options": {}},
		"schemaString": "{\"type\":\"struct\",\"fields\":[{\"name\":\"id\",\"type\":\"long\",\"nullable\":true,\"metadata\":{}},{\"name\":\"tags\",\"type\":{\"type\":\"array\",\"elementType\":\"string\",\"containsNull\":true},\"nullable\":true,\"metadata\":{}},{\"name\":\"p\",\"type\":\"integer\",\"nullable\":true,\"metadata\":{}}]}",
		"partitionColumns": ["p"],
		"configuration": {}
	}`), &meta))
	assert.Equal(t, "p", meta.PartitionBy)
	require.Len(t, meta.Schema, 3)
	assert.Equal(t, ColumnDesc{Name: "id", Type: "int64"}, meta.Schema[0])
	assert.Contains(t, meta.Schema[1].Type, "array")
	assert.Equal(t, ColumnDesc{Name: "p", Type: "int32"}, meta.Schema[2])

	var add AddFile
	require.NoError(t, json.Unmarshal([]byte(`{
		"path": "p=2/a.parquet",
		"partitionValues": {"p": "2"},
		"size": 10,
		"modificationTime": 1,
		"dataChange": true,
		"stats": "{\"numRecords\":4,\"minValues\":{\"id\":1,\"name\":\"a\",\"w\":0.5},\"maxValues\":{\"id\":9,\"name\":\"z\",\"w\":2.5},\"nullCount\":{\"id\":0}}"
	}`), &add))
	assert.Equal(t, uint16(2), add.Partition)
	assert.Equal(t, "p", add.PartitionBy)
	assert.Equal(t, int64(4), add.Rows)
	assert.Equal(t, map[string]int64{"id": 1}, add.Min)
	assert.Equal(t, map[string]int64{"id": 9}, add.Max)

	tests := []string{
		`{"path": "a", "partitionValues": {"p": null}}`,
		`{"path": "a", "partitionValues": {"p": "70000"}}`,
		`{"path": "a", "partitionValues": {"p": "1", "q": "2"}}`,
		`{"path": "a", "partitionValues": {}, "stats": "{"}`,
	}
	for _, test := range tests {
		var add AddFile
		assert.Error(t, json.Unmarshal([]byte(test), &add), test)
	}
	assert.Error(t, json.Unmarshal([]byte(`{"format": {"provider": "orc"}, "schemaString": "{\"type\":\"struct\",\"fields\":[]}"}`), &meta))
}

func TestUnsupportedProtocol(t *testing.T) {
	root := t.TempDir()
	actions := []Action{commitInfo(OpWrite, nil), {Protocol: &Protocol{MinReaderVersion: 3, MinWriterVersion: 7}}}
	require.NoError(t, writeCommit(root, 0, actions))
	_, err := snapshotAt(root, -1)
	assert.True(t, errors.Is(err, errors.ErrConfiguration), "got %v", err)
}

func TestSchemaStringRejectsUnknownType(t *testing.T) {
	_, err := schemaString([]ColumnDesc{{Name: "u", Type: "uint64"}}, "")
	assert.True(t, errors.Is(err, errors.ErrSchema), "got %v", err)
}

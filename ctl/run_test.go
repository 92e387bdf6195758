// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/ctl"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/lake"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pointHex(x, y, z float64) string {
	buf := []byte{1}
	buf = binary.LittleEndian.AppendUint32(buf, 0x80000001)
	for _, c := range []float64{x, y, z} {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c))
	}
	return hex.EncodeToString(buf)
}

// writeExport lays out a table export the way the materialization service
// does: {base}/{datastack}/v{version}/{table}.csv.gz plus a header file.
func writeExport(t *testing.T, base, table, header, rows string) {
	t.Helper()
	dir := filepath.Join(base, "v1dd", "v7")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, table+"_header.csv"), []byte(header), 0o644))

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(rows))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, table+".csv.gz"), buf.Bytes(), 0o644))
}

const synapseHeader = `id,bigint
created,timestamp without time zone
valid,boolean
pre_pt_position,text
post_pt_root_id,bigint
size,integer
`

func synapseRows(n int) string {
	var sb strings.Builder
	roots := []int64{0, 1, 4, 1001}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d,2022-01-01 00:00:00,t,%s,%d,%d\n", i+1, pointHex(float64(i), 2, 3), roots[i%4], 10*i)
	}
	return sb.String()
}

func testConfig(t *testing.T, base string) *cavelake.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := cavelake.NewConfig()
	cfg.MatDBCloudPath = base
	cfg.Datastack = "v1dd"
	cfg.Version = 7
	cfg.TableName = "synapses"
	cfg.RowsPerChunk = 4
	cfg.NPartitions = 4
	cfg.TargetRowsPerFile = 3
	cfg.OutPath = filepath.Join(tmp, "out")
	cfg.TempDir = filepath.Join(tmp, "stage")
	return cfg
}

func newRun(t *testing.T, cfg *cavelake.Config) *ctl.RunCommand {
	cmd := ctl.NewRunCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	cmd.Config = cfg
	cmd.SetLogger(logger.NewLogfLogger(t))
	return cmd
}

func TestRunCommand(t *testing.T) {
	base := t.TempDir()
	writeExport(t, base, "synapses", synapseHeader, synapseRows(10))
	cfg := testConfig(t, base)
	cmd := newRun(t, cfg)

	require.NoError(t, cmd.Run(context.Background()))
	assert.Equal(t, 3, cmd.Stats.Chunks)
	assert.Equal(t, 4, cmd.Stats.Slices)
	assert.Equal(t, int64(10), cmd.Stats.Rows)
	require.NotNil(t, cmd.Report)
	require.NotNil(t, cmd.Report.ZOrder)
	assert.Equal(t, int64(3), cmd.Report.ZOrder.Version)
	assert.NotEmpty(t, cmd.Report.Vacuum.Files)

	tbl, err := lake.Open(cfg.OutPath, lake.Options{})
	require.NoError(t, err)
	snap, err := tbl.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.Rows())
	assert.Equal(t, map[uint16]int64{0: 5, 1: 5}, snap.RowsByPartition())
	names := make([]string, len(snap.Meta.Schema))
	for i, c := range snap.Meta.Schema {
		names[i] = c.Name + ":" + c.Type
	}
	assert.Equal(t, []string{
		"id:int64",
		"pre_pt_position_x:int32",
		"pre_pt_position_y:int32",
		"pre_pt_position_z:int32",
		"post_pt_root_id:int64",
		"size:int32",
		"post_pt_root_id_partition:uint16",
	}, names)
	for _, f := range snap.Files {
		assert.Contains(t, f.Filters, "id")
		assert.Equal(t, []string{"post_pt_root_id", "id"}, f.ZOrderBy)
	}

	// The staged, decompressed source is gone; the caller's export is not.
	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(filepath.Join(base, "v1dd", "v7", "synapses.csv.gz"))
	assert.NoError(t, err)
}

func TestRunCommandSegmentationJoin(t *testing.T) {
	base := t.TempDir()
	writeExport(t, base, "synapses", "id,bigint\nvalid,boolean\npre_pt_position,text\n",
		fmt.Sprintf("1,t,%s\n2,f,%s\n3,t,%s\n", pointHex(1, 1, 1), pointHex(2, 2, 2), pointHex(3, 3, 3)))
	writeExport(t, base, "synapses__seg", "id,bigint\npost_pt_supervoxel_id,bigint\npost_pt_root_id,bigint\nproofread,boolean\n",
		"1,11,1001,t\n2,22,4,f\n")
	cfg := testConfig(t, base)
	cfg.SegmentationTableSuffix = "seg"
	cfg.BoolStringColumns = []string{"valid", "proofread"}
	cfg.BloomFilterColumns = nil
	cfg.ZOrderColumns = nil

	cmd := newRun(t, cfg)
	require.NoError(t, cmd.Run(context.Background()))

	tbl, err := lake.Open(cfg.OutPath, lake.Options{})
	require.NoError(t, err)
	snap, err := tbl.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Rows())
	// id 1 joins root 1001 (partition 1); id 2 root 4 and unmatched id 3
	// both land in partition 0.
	assert.Equal(t, map[uint16]int64{0: 2, 1: 1}, snap.RowsByPartition())
	assert.True(t, snap.HasColumn("post_pt_supervoxel_id"))
	types := make(map[string]string)
	for _, c := range snap.Meta.Schema {
		types[c.Name] = c.Type
	}
	assert.Equal(t, "bool", types["valid"])
	assert.Equal(t, "bool", types["proofread"])

	// Bool-string columns of the segmentation table are coerced after the
	// join; unmatched ids get nulls.
	proofread := make(map[int64]interface{})
	for _, f := range snap.Files {
		data, err := tbl.ReadFile(context.Background(), f)
		require.NoError(t, err)
		idCol := data.Schema().FieldIndices("id")[0]
		col := data.Schema().FieldIndices("proofread")[0]
		ids := data.Column(idCol).Data().Chunks()
		for c, chunk := range data.Column(col).Data().Chunks() {
			b := chunk.(*array.Boolean)
			for i := 0; i < b.Len(); i++ {
				id := ids[c].(*array.Int64).Value(i)
				if b.IsNull(i) {
					proofread[id] = nil
				} else {
					proofread[id] = b.Value(i)
				}
			}
		}
		data.Release()
	}
	assert.Equal(t, map[int64]interface{}{1: true, 2: false, 3: nil}, proofread)
	assert.Nil(t, cmd.Report.ZOrder)
	assert.Nil(t, cmd.Report.Filters)

	_, err = os.Stat(filepath.Join(cfg.TempDir, "synapses__seg.bolt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCommandTriggerExport(t *testing.T) {
	base := t.TempDir()
	writeExport(t, base, "synapses", synapseHeader, synapseRows(5))

	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v2/materialize/run/dump_csv_table/datastack/v1dd/version/7/table_name/synapses/", r.URL.Path)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"message": "Operation already in progress"}`)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	cfg := testConfig(t, base)
	cfg.TriggerExport = true
	cfg.ServerAddress = srv.URL
	cfg.AuthToken = "secret"
	cfg.ExportInterval = cavelake.Duration(time.Millisecond)
	cfg.ZOrderColumns = nil

	cmd := newRun(t, cfg)
	require.NoError(t, cmd.Run(context.Background()))
	require.Len(t, cmd.Jobs, 1)
	assert.Equal(t, 2, cmd.Jobs[0].Requests)
	assert.Equal(t, 1, cmd.Jobs[0].Waits)
	assert.Equal(t, int64(5), cmd.Stats.Rows)
}

func TestRunCommandErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownType", func(t *testing.T) {
		base := t.TempDir()
		writeExport(t, base, "synapses", "id,bigint\nshape,geometry\n", "1,x\n")
		err := newRun(t, testConfig(t, base)).Run(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrSchema))
		assert.Contains(t, err.Error(), `unrecognized SQL type "geometry"`)
	})
	t.Run("MissingPartitionColumn", func(t *testing.T) {
		base := t.TempDir()
		writeExport(t, base, "synapses", "id,bigint\n", "1\n")
		err := newRun(t, testConfig(t, base)).Run(ctx)
		assert.True(t, errors.Is(err, errors.ErrSchema), "got %v", err)
	})
	t.Run("MissingExport", func(t *testing.T) {
		err := newRun(t, testConfig(t, t.TempDir())).Run(ctx)
		assert.Error(t, err)
	})
	t.Run("BadGeometry", func(t *testing.T) {
		base := t.TempDir()
		writeExport(t, base, "synapses", synapseHeader, "1,2022-01-01 00:00:00,t,zz,1,1\n")
		err := newRun(t, testConfig(t, base)).Run(ctx)
		assert.True(t, errors.Is(err, errors.ErrDecode), "got %v", err)
	})
	t.Run("Config", func(t *testing.T) {
		cfg := testConfig(t, t.TempDir())
		cfg.NPartitions = 0
		err := newRun(t, cfg).Run(ctx)
		assert.True(t, errors.Is(err, errors.ErrConfiguration))
	})
}

func TestRunCommandStats(t *testing.T) {
	base := t.TempDir()
	writeExport(t, base, "synapses", synapseHeader, synapseRows(3))
	cfg := testConfig(t, base)
	cfg.Stats = "127.0.0.1:0"
	require.NoError(t, newRun(t, cfg).Run(context.Background()))
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package cavelake_test

import (
	"testing"
	"time"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	c := cavelake.NewConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "post_pt_root_id_partition", c.PartitionBy())
	assert.Equal(t, "./v1dd_connections_with_nuclei_deltalake_v1196", c.ResolvedOutPath())
	assert.Equal(t, []string{"connections_with_nuclei"}, c.Tables())
	assert.Equal(t, "", c.SegmentationTable())

	c.SegmentationTableSuffix = "v1dd_1196"
	assert.Equal(t, "connections_with_nuclei__v1dd_1196", c.SegmentationTable())
	assert.Equal(t, []string{"connections_with_nuclei", "connections_with_nuclei__v1dd_1196"}, c.Tables())

	c.OutPath = "/data/out"
	assert.Equal(t, "/data/out", c.ResolvedOutPath())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *cavelake.Config)
	}{
		{name: "zero partitions", modify: func(c *cavelake.Config) { c.NPartitions = 0 }},
		{name: "too many partitions", modify: func(c *cavelake.Config) { c.NPartitions = 70000 }},
		{name: "zero chunk", modify: func(c *cavelake.Config) { c.RowsPerChunk = 0 }},
		{name: "fpp one", modify: func(c *cavelake.Config) { c.FPP = 1 }},
		{name: "no table", modify: func(c *cavelake.Config) { c.TableName = "" }},
		{name: "bad server", modify: func(c *cavelake.Config) { c.ServerAddress = "not a url" }},
		{name: "trigger without server", modify: func(c *cavelake.Config) {
			c.TriggerExport = true
			c.ServerAddress = ""
		}},
		{name: "partition dropped", modify: func(c *cavelake.Config) {
			c.DropColumns = append(c.DropColumns, c.PartitionColumn)
		}},
		{name: "duplicate zorder", modify: func(c *cavelake.Config) { c.ZOrderColumns = []string{"id", "id"} }},
		{name: "negative interval", modify: func(c *cavelake.Config) { c.ExportInterval = cavelake.Duration(-time.Second) }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := cavelake.NewConfig()
			test.modify(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration), "got %v", err)
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	c := cavelake.NewConfig()
	c.ZOrderColumns = []string{" post_pt_root_id, id ", ""}
	c.BloomFilterColumns = []string{"id,"}
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"post_pt_root_id", "id"}, c.ZOrderColumns)
	assert.Equal(t, []string{"id"}, c.BloomFilterColumns)
}

func TestDuration(t *testing.T) {
	d := cavelake.Duration(time.Second * 182)
	assert.Equal(t, "3m2s", d.String())

	v, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, []byte("3m2s"), v)

	err = d.UnmarshalText([]byte("5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing unit in duration")

	require.NoError(t, d.UnmarshalText([]byte("1m")))
	assert.Equal(t, cavelake.Duration(time.Minute), d)
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/ctl"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writtenTable runs the pipeline without optimizing and returns its config.
func writtenTable(t *testing.T) *cavelake.Config {
	t.Helper()
	base := t.TempDir()
	writeExport(t, base, "synapses", synapseHeader, synapseRows(8))
	cfg := testConfig(t, base)
	cfg.ZOrderColumns = nil
	cfg.BloomFilterColumns = nil
	require.NoError(t, newRun(t, cfg).Run(context.Background()))
	return cfg
}

func TestInspectCommand(t *testing.T) {
	cfg := writtenTable(t)

	var out bytes.Buffer
	cmd := ctl.NewInspectCommand(nil, &out, &bytes.Buffer{})
	cmd.SetLogger(logger.NewLogfLogger(t))
	cmd.Path = cfg.OutPath
	cmd.Files = true
	cmd.LookupColumn = "post_pt_root_id"
	cmd.LookupKey = 1001
	require.NoError(t, cmd.Run(context.Background()))

	s := out.String()
	assert.Contains(t, s, "Version:    1")
	assert.Contains(t, s, "Rows:       8")
	assert.Contains(t, s, "post_pt_root_id_partition = post_pt_root_id % 4")
	assert.Contains(t, s, "pre_pt_position_x")
	assert.Contains(t, s, "post_pt_root_id = 1001: 2 of 4 files")
	assert.Contains(t, s, "WRITE")

	out.Reset()
	cmd = ctl.NewInspectCommand(nil, &out, &bytes.Buffer{})
	cmd.Path = cfg.OutPath
	cmd.Version = 0
	require.NoError(t, cmd.Run(context.Background()))
	assert.Contains(t, out.String(), "Rows:       4")

	cmd = ctl.NewInspectCommand(nil, &out, &bytes.Buffer{})
	cmd.Path = t.TempDir()
	err := cmd.Run(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestOptimizeAndVacuumCommands(t *testing.T) {
	cfg := writtenTable(t)
	ctx := context.Background()

	opt := ctl.NewOptimizeCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	opt.SetLogger(logger.NewLogfLogger(t))
	opt.Config = cfg
	opt.Config.BloomFilterColumns = []string{"id"}
	require.NoError(t, opt.Run(ctx))
	require.NotNil(t, opt.Report.Filters)
	assert.Equal(t, 4, opt.Report.Filters.FilesAdded)
	assert.Empty(t, opt.Report.Vacuum.Files)

	// A second pass replaces the filters and vacuums the old ones.
	require.NoError(t, opt.Run(ctx))
	assert.Len(t, opt.Report.Vacuum.Files, 4)

	var out bytes.Buffer
	vac := ctl.NewVacuumCommand(nil, &out, &bytes.Buffer{})
	vac.Path = cfg.OutPath
	vac.DryRun = true
	require.NoError(t, vac.Run(ctx))
	assert.Empty(t, out.String())
}

func TestConfigCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := ctl.NewConfigCommand(nil, &out, &bytes.Buffer{})
	cmd.Config.AuthToken = "secret"
	cmd.Config.ZOrderColumns = []string{" post_pt_root_id, id"}
	require.NoError(t, cmd.Run(context.Background()))

	s := out.String()
	assert.Contains(t, s, `n-partitions = 64`)
	assert.Contains(t, s, `mat-db-cloud-path = "gs://cave_annotation_bucket/public/"`)
	assert.Contains(t, s, `zorder-columns = ["post_pt_root_id", "id"]`)
	assert.Contains(t, s, `export-interval = "1m0s"`)
	assert.NotContains(t, s, "secret")
	assert.Equal(t, "secret", cmd.Config.AuthToken)
}

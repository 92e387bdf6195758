// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package partition_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	a, err := partition.New(4)
	require.NoError(t, err)

	for id, exp := range map[int64]uint16{0: 0, 1: 1, 4: 0, 1001: 1, 864691135000000001: 1} {
		got, err := a.Partition(id)
		require.NoError(t, err)
		assert.Equal(t, exp, got, "id %d", id)
	}
}

func TestPartitionProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, n := range []int{1, 2, 3, 64, 1000, partition.MaxPartitions} {
		a, err := partition.New(n)
		require.NoError(t, err)

		zero, err := a.Partition(0)
		require.NoError(t, err)
		assert.Equal(t, uint16(0), zero)

		ids := []int64{1, -1, math.MaxInt64, math.MinInt64}
		for i := 0; i < 1000; i++ {
			ids = append(ids, r.Int63()-r.Int63())
		}
		for _, id := range ids {
			p1, err := a.Partition(id)
			require.NoError(t, err)
			p2, err := a.Partition(id)
			require.NoError(t, err)
			assert.Equal(t, p1, p2)
			assert.Less(t, int(p1), n)
		}
	}
}

func TestNewRejects(t *testing.T) {
	for _, n := range []int{0, -1, partition.MaxPartitions + 1} {
		_, err := partition.New(n)
		require.Error(t, err, "n=%d", n)
		assert.True(t, errors.Is(err, errors.ErrConfiguration))
	}
}

func TestRemap(t *testing.T) {
	a, err := partition.New(10)
	require.NoError(t, err)

	calls := 0
	a.Remap = partition.RemapFunc(func(id int64) (int64, error) {
		calls++
		if id < 0 {
			return 0, fmt.Errorf("bad id")
		}
		return id / 100, nil
	})

	p, err := a.Partition(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), p)
	assert.Equal(t, 0, calls, "zero bypasses the remap")

	p, err = a.Partition(1234)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), p)

	_, err = a.Partition(-5)
	require.Error(t, err)
}

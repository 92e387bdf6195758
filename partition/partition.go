// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package partition assigns rows to a bounded number of partitions by their
// identifier. The assignment depends on the identifier alone so a point
// lookup can compute which partition to read without scanning the others.
package partition

import (
	"github.com/bdpedigo/cavelake/errors"
)

// MaxPartitions is the largest partition count a uint16 key can address.
const MaxPartitions = 1<<16 - 1

// Remapper translates an identifier before it is partitioned, e.g. a root id
// into the segmentation id it was derived from.
type Remapper interface {
	Remap(id int64) (int64, error)
}

// RemapFunc adapts a function to a Remapper.
type RemapFunc func(id int64) (int64, error)

func (f RemapFunc) Remap(id int64) (int64, error) { return f(id) }

// Assigner maps identifiers to partitions.
type Assigner struct {
	N     uint16
	Remap Remapper
}

// New returns an Assigner for n partitions.
func New(n int) (*Assigner, error) {
	if n <= 0 || n > MaxPartitions {
		return nil, errors.Newf(errors.ErrConfiguration, "partition count must be in [1, %d], got %d", MaxPartitions, n)
	}
	return &Assigner{N: uint16(n)}, nil
}

// Partition returns the partition of id. Zero is the "unassigned" sentinel
// and always lands in partition 0. Identifiers are treated as unsigned, so
// the result is in [0, N) for every input.
func (a *Assigner) Partition(id int64) (uint16, error) {
	if id == 0 {
		return 0, nil
	}
	if a.Remap != nil {
		remapped, err := a.Remap.Remap(id)
		if err != nil {
			return 0, errors.Wrapf(err, "remapping id %d", id)
		}
		id = remapped
	}
	return uint16(uint64(id) % uint64(a.N)), nil
}

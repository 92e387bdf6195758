// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/metrics"
)

// VacuumOptions control which unreferenced files are removed.
type VacuumOptions struct {
	// Files modified within Retention of now are kept. Zero removes every
	// unreferenced file, which breaks readers of older versions.
	Retention time.Duration
	DryRun    bool
}

// VacuumResult lists the removed files (or, in a dry run, the files that
// would be removed), relative to the table root.
type VacuumResult struct {
	Files []string
	Bytes int64
}

// Vacuum deletes data files and filter sidecars no longer referenced by the
// latest version, plus commit temp files left by failed writers.
func (t *Table) Vacuum(opts VacuumOptions) (*VacuumResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	live := make(map[string]struct{})
	for _, f := range snap.Files {
		live[f.Path] = struct{}{}
		for _, rel := range f.Filters {
			live[rel] = struct{}{}
		}
	}

	cutoff := time.Now().Add(-opts.Retention)
	res := &VacuumResult{}
	err = filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !vacuumable(rel) {
			return nil
		}
		if _, ok := live[rel]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		res.Files = append(res.Files, rel)
		res.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, errors.WithCode(errors.Wrap(err, "listing table files"), errors.ErrWrite)
	}
	sort.Strings(res.Files)
	if opts.DryRun {
		return res, nil
	}
	for _, rel := range res.Files {
		if err := os.Remove(filepath.Join(t.root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return nil, errors.WithCode(errors.Wrapf(err, "removing %s", rel), errors.ErrWrite)
		}
		metrics.CounterFilesVacuumed.Inc()
	}
	t.log.Debugf("vacuum removed %d files (%d bytes)", len(res.Files), res.Bytes)
	return res, nil
}

// vacuumable reports whether a table-relative path is a file the table
// manages. Anything else in the directory is left alone.
func vacuumable(rel string) bool {
	switch {
	case strings.HasPrefix(rel, LogDir+"/"):
		return strings.HasPrefix(filepath.Base(rel), ".tmp-")
	case strings.HasPrefix(rel, FilterDir+"/"):
		return strings.HasSuffix(rel, ".bloom")
	default:
		return strings.HasSuffix(rel, ".parquet")
	}
}

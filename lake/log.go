// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package lake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/google/uuid"
)

// LogDir is the directory under the table root holding one JSON file per
// committed version, as laid out by the Delta Lake transaction protocol.
const LogDir = "_delta_log"

// Protocol versions written by this package: plain parquet data files with
// partition columns, nothing from the table-features extensions.
const (
	readerVersion = 1
	writerVersion = 2
)

// Operation names recorded in commitInfo.
const (
	OpWrite    = "WRITE"
	OpOptimize = "OPTIMIZE"
	OpFilters  = "SET FILTERS"
)

// Action is one line of a commit file. Exactly one field is set.
type Action struct {
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
	Protocol   *Protocol   `json:"protocol,omitempty"`
	MetaData   *MetaData   `json:"metaData,omitempty"`
	Add        *AddFile    `json:"add,omitempty"`
	Remove     *RemoveFile `json:"remove,omitempty"`
}

// CommitInfo describes the operation that produced a version.
type CommitInfo struct {
	Timestamp  int64             `json:"timestamp"`
	Operation  string            `json:"operation"`
	Parameters map[string]string `json:"operationParameters,omitempty"`
}

// Protocol is the minimum reader and writer versions a client needs to
// handle the table.
type Protocol struct {
	MinReaderVersion int `json:"minReaderVersion"`
	MinWriterVersion int `json:"minWriterVersion"`
}

// ColumnDesc is the persisted form of one schema field. Type is the arrow
// type name.
type ColumnDesc struct {
	Name string
	Type string
}

// MetaData fixes the schema and partitioning of a table. It is written by
// the first commit and never changes. See delta.go for its encoding.
type MetaData struct {
	ID              string
	Schema          []ColumnDesc
	PartitionBy     string
	PartitionSource string
	Partitions      int
	CreatedTime     int64
}

// AddFile makes a data file part of the table. Data files do not hold the
// partition column; its value is Partition.
type AddFile struct {
	Path             string
	PartitionBy      string
	Partition        uint16
	Size             int64
	Rows             int64
	ModificationTime int64
	DataChange       bool
	Min              map[string]int64
	Max              map[string]int64
	Nulls            map[string]int64

	// Filters maps a column to the bloom filter sidecar of this file, and
	// ZOrderBy lists the columns the file is clustered on. Both travel as
	// add tags.
	Filters  map[string]string
	ZOrderBy []string
}

// RemoveFile drops a data file from the table. The file stays on disk until
// a vacuum.
type RemoveFile struct {
	Path              string `json:"path"`
	DeletionTimestamp int64  `json:"deletionTimestamp"`
	DataChange        bool   `json:"dataChange"`
}

func versionFile(root string, version int64) string {
	return filepath.Join(root, LogDir, fmt.Sprintf("%020d.json", version))
}

// versions lists the committed versions in ascending order.
func versions(root string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(root, LogDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading log directory")
	}
	var vs []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || len(name) != 25 {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs, nil
}

// readCommit parses one version file.
func readCommit(root string, version int64) ([]Action, error) {
	b, err := os.ReadFile(versionFile(root, version))
	if err != nil {
		return nil, errors.Wrapf(err, "reading version %d", version)
	}
	var actions []Action
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var a Action
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			return nil, errors.Wrapf(err, "version %d line %d", version, line)
		}
		actions = append(actions, a)
	}
	return actions, errors.Wrapf(sc.Err(), "scanning version %d", version)
}

// writeCommit writes actions as version, failing if the version already
// exists. The file is complete and synced before it becomes visible.
func writeCommit(root string, version int64, actions []Action) error {
	dir := filepath.Join(root, LogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating log directory")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range actions {
		if err := enc.Encode(a); err != nil {
			return errors.Wrap(err, "encoding action")
		}
	}

	tmp := filepath.Join(dir, ".tmp-"+uuid.New().String())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating commit file")
	}
	defer os.Remove(tmp)
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return errors.Wrap(err, "writing commit file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "syncing commit file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing commit file")
	}

	// Link fails if the target exists, which makes the commit put-if-absent.
	if err := os.Link(tmp, versionFile(root, version)); err != nil {
		if os.IsExist(err) {
			return errors.Newf(errors.ErrWrite, "version %d was committed by another writer", version)
		}
		return errors.Wrapf(err, "publishing version %d", version)
	}
	return nil
}

func commitInfo(op string, params map[string]string) Action {
	return Action{CommitInfo: &CommitInfo{
		Timestamp:  time.Now().UnixMilli(),
		Operation:  op,
		Parameters: params,
	}}
}

func protocol() Action {
	return Action{Protocol: &Protocol{MinReaderVersion: readerVersion, MinWriterVersion: writerVersion}}
}

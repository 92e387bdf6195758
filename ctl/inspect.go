// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bdpedigo/cavelake"
	"github.com/bdpedigo/cavelake/lake"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

// InspectCommand prints the state of a table.
type InspectCommand struct {
	*cavelake.CmdIO

	Path string

	// Version selects an older snapshot; negative means the latest.
	Version int64

	// Files lists every live data file.
	Files bool

	// LookupColumn and LookupKey, when set, list the files that may hold
	// the key after partition, statistics and filter pruning.
	LookupColumn string
	LookupKey    int64
}

// NewInspectCommand returns a new instance of InspectCommand.
func NewInspectCommand(stdin io.Reader, stdout, stderr io.Writer) *InspectCommand {
	return &InspectCommand{
		CmdIO:   cavelake.NewCmdIO(stdin, stdout, stderr),
		Version: -1,
	}
}

// Run prints a summary, the schema, per-partition counts and history.
func (cmd *InspectCommand) Run(_ context.Context) error {
	tbl, err := openExisting(cmd.Path, cmd.Logger())
	if err != nil {
		return err
	}
	var snap *lake.Snapshot
	if cmd.Version < 0 {
		snap, err = tbl.Snapshot()
	} else {
		snap, err = tbl.SnapshotAt(cmd.Version)
	}
	if err != nil {
		return err
	}

	w := cmd.Stdout
	var size int64
	for _, f := range snap.Files {
		size += f.Size
	}
	fmt.Fprintf(w, "Table:      %s\n", cmd.Path)
	fmt.Fprintf(w, "Version:    %d\n", snap.Version)
	fmt.Fprintf(w, "Rows:       %s\n", humanize.Comma(snap.Rows()))
	fmt.Fprintf(w, "Files:      %d (%s)\n", len(snap.Files), humanize.Bytes(uint64(size)))
	if m := snap.Meta; m != nil {
		fmt.Fprintf(w, "Partitions: %s = %s %% %d\n", m.PartitionBy, m.PartitionSource, m.Partitions)
		fmt.Fprintf(w, "Created:    %s\n", time.UnixMilli(m.CreatedTime).UTC().Format(time.RFC3339))
		fmt.Fprintln(w)

		t := newTable(w)
		t.AppendHeader(table.Row{"column", "type"})
		for _, c := range m.Schema {
			t.AppendRow(table.Row{c.Name, c.Type})
		}
		t.Render()
	}
	fmt.Fprintln(w)

	t := newTable(w)
	t.AppendHeader(table.Row{"partition", "files", "rows", "size", "z-order", "filters"})
	byPart := snap.FilesByPartition()
	parts := make([]int, 0, len(byPart))
	for p := range byPart {
		parts = append(parts, int(p))
	}
	sort.Ints(parts)
	for _, p := range parts {
		files := byPart[uint16(p)]
		var rows, size int64
		for _, f := range files {
			rows += f.Rows
			size += f.Size
		}
		t.AppendRow(table.Row{p, len(files), humanize.Comma(rows), humanize.Bytes(uint64(size)),
			strings.Join(files[0].ZOrderBy, ","), strings.Join(filterColumns(files[0]), ",")})
	}
	t.Render()

	if cmd.Files {
		fmt.Fprintln(w)
		cmd.printFiles(snap.Files)
	}

	if cmd.LookupColumn != "" {
		files, err := snap.Prune(cmd.LookupColumn, cmd.LookupKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s = %d: %d of %d files\n", cmd.LookupColumn, cmd.LookupKey, len(files), len(snap.Files))
		cmd.printFiles(files)
	}

	fmt.Fprintln(w)
	t = newTable(w)
	t.AppendHeader(table.Row{"version", "time", "operation", "parameters"})
	for v, c := range snap.History {
		t.AppendRow(table.Row{v, time.UnixMilli(c.Timestamp).UTC().Format(time.RFC3339), c.Operation, formatParams(c.Parameters)})
	}
	t.Render()
	return nil
}

func (cmd *InspectCommand) printFiles(files []lake.AddFile) {
	t := newTable(cmd.Stdout)
	t.AppendHeader(table.Row{"path", "rows", "size", "filters"})
	for _, f := range files {
		t.AppendRow(table.Row{f.Path, humanize.Comma(f.Rows), humanize.Bytes(uint64(f.Size)), strings.Join(filterColumns(f), ",")})
	}
	t.Render()
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	return t
}

func filterColumns(f lake.AddFile) []string {
	cols := make([]string, 0, len(f.Filters))
	for c := range f.Filters {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return strings.Join(parts, " ")
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package plan describes how raw CSV rows become output rows: a source
// schema plus an ordered list of named column transforms. Plans are values;
// adding a step returns a new plan and leaves the old one usable.
package plan

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/bdpedigo/cavelake/schema"
)

// Source opens the raw rows of a table from the beginning.
type Source interface {
	Open() (io.ReadCloser, error)
}

// File is a Source reading a local headerless CSV file.
type File string

func (f File) Open() (io.ReadCloser, error) {
	r, err := os.Open(string(f))
	if err != nil {
		return nil, errors.Wrap(err, "opening source")
	}
	return r, nil
}

// Text is a Source over an in-memory CSV string.
type Text string

func (t Text) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(t))), nil
}

// Step is one named transform. Output reports the schema the step produces
// from in without touching data, so a plan's final schema is known before
// any row is read.
type Step interface {
	Name() string
	Output(in *arrow.Schema) (*arrow.Schema, error)
	Apply(ctx context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error)
}

// Plan is a source, its schema and a list of steps.
type Plan struct {
	source Source
	schema schema.Schema
	mem    memory.Allocator

	steps   []Step
	schemas []*arrow.Schema // schemas[i] is the input of steps[i]; the last is the output.

	cur *cursor
}

// New returns a plan that reads source as rows of s.
func New(source Source, s schema.Schema) *Plan {
	return &Plan{
		source:  source,
		schema:  s,
		mem:     memory.DefaultAllocator,
		schemas: []*arrow.Schema{s.Arrow()},
	}
}

// WithAllocator returns a copy of p allocating from mem.
func (p *Plan) WithAllocator(mem memory.Allocator) *Plan {
	q := p.clone()
	q.mem = mem
	return q
}

// Then returns a new plan with step appended. It fails if the step cannot
// apply to the current output schema.
func (p *Plan) Then(step Step) (*Plan, error) {
	out, err := step.Output(p.Schema())
	if err != nil {
		return nil, errors.WithMessagef(err, "step %s", step.Name())
	}
	q := p.clone()
	q.steps = append(q.steps, step)
	q.schemas = append(q.schemas, out)
	return q, nil
}

// Chain applies Then for each step in order.
func (p *Plan) Chain(steps ...Step) (*Plan, error) {
	q := p
	for _, s := range steps {
		var err error
		if q, err = q.Then(s); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (p *Plan) clone() *Plan {
	return &Plan{
		source:  p.source,
		schema:  p.schema,
		mem:     p.mem,
		steps:   append([]Step(nil), p.steps...),
		schemas: append([]*arrow.Schema(nil), p.schemas...),
	}
}

// Schema returns the schema of the rows the plan produces.
func (p *Plan) Schema() *arrow.Schema {
	return p.schemas[len(p.schemas)-1]
}

// SourceSchema returns the schema rows are parsed with.
func (p *Plan) SourceSchema() schema.Schema {
	return p.schema
}

// Steps returns the step names in order.
func (p *Plan) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Slice materializes up to n rows starting at row start. A record with zero
// rows means start is at or past the end. Consecutive slices read the source
// sequentially; any other start reopens it.
func (p *Plan) Slice(ctx context.Context, start, n int64) (arrow.Record, error) {
	if start < 0 || n <= 0 {
		return nil, errors.Newf(errors.ErrConfiguration, "invalid slice [%d, +%d)", start, n)
	}
	if p.cur == nil || start < p.cur.offset {
		if err := p.reopen(); err != nil {
			return nil, err
		}
	}
	if err := p.cur.skip(ctx, start-p.cur.offset); err != nil {
		return nil, err
	}

	rec, err := p.cur.read(ctx, p.mem, p.schema, n)
	if err != nil {
		return nil, err
	}
	for i, step := range p.steps {
		out, err := step.Apply(ctx, p.mem, rec)
		rec.Release()
		if err != nil {
			return nil, errors.WithMessagef(err, "step %s on rows [%d, %d)", step.Name(), start, start+n)
		}
		if !out.Schema().Equal(p.schemas[i+1]) {
			out.Release()
			return nil, errors.Newf(errors.ErrSchema, "step %s produced %v, want %v", step.Name(), out.Schema(), p.schemas[i+1])
		}
		rec = out
	}
	return rec, nil
}

func (p *Plan) reopen() error {
	if err := p.Close(); err != nil {
		return err
	}
	rc, err := p.source.Open()
	if err != nil {
		return err
	}
	cr := csv.NewReader(rc)
	cr.FieldsPerRecord = len(p.schema.Fields)
	cr.ReuseRecord = true
	p.cur = &cursor{rc: rc, cr: cr}
	return nil
}

// Close releases the open source, if any.
func (p *Plan) Close() error {
	if p.cur == nil {
		return nil
	}
	err := p.cur.rc.Close()
	p.cur = nil
	return err
}

// cursor is the read position of a plan in its source.
type cursor struct {
	rc     io.ReadCloser
	cr     *csv.Reader
	offset int64
	eof    bool
}

func (c *cursor) skip(ctx context.Context, n int64) error {
	for i := int64(0); i < n && !c.eof; i++ {
		if i%100_000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := c.cr.Read(); err == io.EOF {
			c.eof = true
		} else if err != nil {
			return errors.WithCode(errors.Wrapf(err, "reading source row %d", c.offset+1), errors.ErrSchema)
		} else {
			c.offset++
		}
	}
	return nil
}

func (c *cursor) read(ctx context.Context, mem memory.Allocator, s schema.Schema, n int64) (arrow.Record, error) {
	rb := array.NewRecordBuilder(mem, s.Arrow())
	defer rb.Release()

	var read int64
	for ; read < n && !c.eof; read++ {
		if read%100_000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := c.cr.Read()
		if err == io.EOF {
			c.eof = true
			break
		} else if err != nil {
			return nil, errors.WithCode(errors.Wrapf(err, "reading source row %d", c.offset+1), errors.ErrSchema)
		}
		c.offset++
		if err := s.AppendRow(rb, rec, c.offset); err != nil {
			return nil, err
		}
	}
	metrics.CounterRowsParsed.Add(float64(read))
	return rb.NewRecord(), nil
}

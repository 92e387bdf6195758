// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package ingest moves a transform plan into an output table in fixed-size
// chunks. The pipeline is:
//
//  1. slice the next C rows out of the plan, starting at the current offset
//  2. stop when the slice is empty
//  3. append the slice to the table as one commit, split by partition
//  4. advance the offset by C
//
// Only one chunk is materialized at a time, so memory is bounded by C rather
// than by the source size. A failed append leaves earlier commits in place;
// there is no resume, a rerun starts from an empty table.
package ingest

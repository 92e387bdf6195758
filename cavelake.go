// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package cavelake moves materialized annotation tables exported from a CAVE
// deployment into a partitioned, log-structured parquet table. The package
// itself holds the run configuration; the pipeline stages live in the
// schema, geometry, partition, export, plan, ingest, lake and optimize
// packages and are wired together by ctl.
package cavelake

// Version is set at build time.
var Version = "v0.0.0"

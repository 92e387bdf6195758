// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package cmd contains the cobra commands of the cavelake binary. Each
// command only parses flags and hands off to the matching command in ctl.
package cmd

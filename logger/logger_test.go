// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLevelLogger(&buf, LevelWarn)
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "WARN:  warn 3")
	assert.Contains(t, out, "ERROR: error 4")
}

func TestStandardLoggerTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l := NewStandardLogger(&buf)
	l.logger.SetOutput(formatLog{w: &buf, now: func() time.Time {
		return time.Date(2022, 3, 4, 5, 6, 7, 8000, time.UTC)
	}})
	l.Infof("hello")
	assert.Equal(t, "2022-03-04T05:06:07.000008Z INFO:  hello\n", buf.String())
}

func TestWithPrefixNests(t *testing.T) {
	var buf bytes.Buffer
	l := NewVerboseLogger(&buf).WithPrefix("stage: ").WithPrefix("gs: ")
	l.Debugf("fetching %s", "x")
	assert.True(t, strings.HasSuffix(buf.String(), "DEBUG: stage: gs: fetching x\n"), buf.String())
}

func TestParseLevel(t *testing.T) {
	for name, exp := range map[string]int{
		"":      LevelInfo,
		"DEBUG": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, exp, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestBufferLogger(t *testing.T) {
	b := NewBufferLogger()
	b.Infof("one")
	b.WithPrefix("p: ").Warnf("two")
	assert.Equal(t, "INFO:  one\nWARN:  p: two\n", b.String())
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package stage_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bdpedigo/cavelake/backoff"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/stage"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestLocate(t *testing.T) {
	f := stage.Locate("gs://cave_annotation_bucket/public/", "v1dd", 1196, "synapses")
	assert.Equal(t, "gs://cave_annotation_bucket/public/v1dd/v1196/synapses.csv.gz", f.Table)
	assert.Equal(t, "gs://cave_annotation_bucket/public/v1dd/v1196/synapses_header.csv", f.Header)

	f = stage.Locate("/data/exports", "minnie", 7, "nuclei")
	assert.Equal(t, "/data/exports/minnie/v7/nuclei.csv.gz", f.Table)
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "gs", stage.Scheme("gs://bucket/key"))
	assert.Equal(t, "s3", stage.Scheme("S3://bucket/key"))
	assert.Equal(t, "", stage.Scheme("/tmp/x"))
	assert.True(t, stage.IsLocal("file:///tmp/x"))
	assert.False(t, stage.IsLocal("https://example.com/x"))
}

func TestPrepareLocal(t *testing.T) {
	src := t.TempDir()
	tmp := filepath.Join(t.TempDir(), "stage")
	gz := filepath.Join(src, "synapses.csv.gz")
	require.NoError(t, os.WriteFile(gz, gzipBytes(t, "1,2,3\n"), 0o644))

	s := stage.NewStager(tmp, logger.NewLogfLogger(t))
	out, err := s.Prepare(context.Background(), gz)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "synapses.csv"), out)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "1,2,3\n", string(b))

	// The caller's compressed file is not touched.
	_, err = os.Stat(gz)
	require.NoError(t, err)

	require.NoError(t, s.Cleanup())
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.Staged())
}

func TestPrepareHTTP(t *testing.T) {
	payload := gzipBytes(t, "a,b\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/synapses.csv.gz") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	tmp := t.TempDir()
	s := stage.NewStager(tmp, logger.NewLogfLogger(t))
	s.SetStore("http", &stage.HTTPStore{Client: srv.Client()})

	n, err := s.Size(context.Background(), srv.URL+"/v1/synapses.csv.gz")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	_, err = s.Size(context.Background(), srv.URL+"/v1/missing.csv")
	require.Error(t, err)

	out, err := s.Prepare(context.Background(), srv.URL+"/v1/synapses.csv.gz")
	require.NoError(t, err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(b))

	// The downloaded archive was removed after decompressing.
	assert.Equal(t, []string{out}, s.Staged())

	s.Keep = true
	require.NoError(t, s.Cleanup())
	_, err = os.Stat(out)
	require.NoError(t, err)
}

// flakyStore reports an object missing for the first misses calls.
type flakyStore struct {
	misses int
	calls  int
}

func (f *flakyStore) Stat(context.Context, string) (int64, error) {
	f.calls++
	if f.calls <= f.misses {
		return 0, stage.ErrNotFound
	}
	return 10, nil
}

func (f *flakyStore) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func TestWaitForObject(t *testing.T) {
	s := stage.NewStager(t.TempDir(), nil)
	fs := &flakyStore{misses: 2}
	s.SetStore("gs", fs)

	err := s.WaitForObject(context.Background(), "gs://b/k", backoff.Fixed(5, time.Millisecond, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)

	fs = &flakyStore{misses: 100}
	s.SetStore("gs", fs)
	err = s.WaitForObject(context.Background(), "gs://b/k", backoff.Fixed(2, time.Millisecond, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRemoteService))
	assert.Equal(t, 3, fs.calls)
}

func TestUnsupportedScheme(t *testing.T) {
	s := stage.NewStager(t.TempDir(), nil)
	_, err := s.Fetch(context.Background(), "ftp://host/file")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package stage copies a materialization export from where the service wrote
// it to a local working directory and decompresses it.
package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/bdpedigo/cavelake/backoff"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/api/option"
)

// Files names the two objects a table export consists of.
type Files struct {
	Table  string // {table}.csv.gz
	Header string // {table}_header.csv
}

// Locate returns the export objects of table under base, which is the
// cloud path holding every datastack's exports.
func Locate(base, datastack string, version int, table string) Files {
	dir := JoinURI(base, datastack, fmt.Sprintf("v%d", version))
	return Files{
		Table:  JoinURI(dir, table+".csv.gz"),
		Header: JoinURI(dir, table+"_header.csv"),
	}
}

// JoinURI joins path elements onto a URI or local path, collapsing duplicate
// slashes in the path part but not in the scheme.
func JoinURI(base string, elem ...string) string {
	scheme := Scheme(base)
	rest := base
	if scheme != "" {
		rest = base[len(scheme)+len("://"):]
	}
	if scheme == "" {
		return filepath.Join(append([]string{rest}, elem...)...)
	}
	return scheme + "://" + path.Join(append([]string{rest}, elem...)...)
}

// Stager fetches objects into TempDir. Stores for gs:// and s3:// are created
// on first use so a local run needs no cloud credentials.
type Stager struct {
	TempDir string
	Keep    bool
	Logger  logger.Logger

	// GCSOptions and S3Region configure lazily created cloud clients.
	GCSOptions []option.ClientOption
	S3Region   string

	mu     sync.Mutex
	stores map[string]Store
	staged []string
	closer []func() error
}

// NewStager returns a Stager writing into tempDir.
func NewStager(tempDir string, log logger.Logger) *Stager {
	if log == nil {
		log = logger.NopLogger
	}
	return &Stager{
		TempDir: tempDir,
		Logger:  log,
		stores: map[string]Store{
			"":      LocalStore{},
			"file":  LocalStore{},
			"http":  &HTTPStore{},
			"https": &HTTPStore{},
		},
	}
}

// SetStore registers s for URIs with the given scheme.
func (s *Stager) SetStore(scheme string, st Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[scheme] = st
}

func (s *Stager) store(ctx context.Context, uri string) (Store, error) {
	scheme := Scheme(uri)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[scheme]; ok {
		return st, nil
	}
	switch scheme {
	case "gs":
		client, err := storage.NewClient(ctx, s.GCSOptions...)
		if err != nil {
			return nil, errors.Wrap(err, "creating GCS storage client")
		}
		s.closer = append(s.closer, client.Close)
		s.stores[scheme] = &GCSStore{Client: client}
	case "s3":
		config := &aws.Config{}
		if s.S3Region != "" {
			config.Region = aws.String(s.S3Region)
			// else, NewSession will use the default region.
		}
		sess, err := session.NewSession(config)
		if err != nil {
			return nil, errors.Wrap(err, "creating S3 session")
		}
		s.stores[scheme] = &S3Store{Client: s3.New(sess)}
	default:
		return nil, errors.Newf(errors.ErrConfiguration, "unsupported URI scheme %q in %v", scheme, uri)
	}
	return s.stores[scheme], nil
}

// Size returns the size of the object at uri.
func (s *Stager) Size(ctx context.Context, uri string) (int64, error) {
	st, err := s.store(ctx, uri)
	if err != nil {
		return 0, err
	}
	n, err := st.Stat(ctx, uri)
	if err == ErrNotFound {
		return 0, errors.Wrapf(err, "%v", uri)
	}
	return n, err
}

// Describe logs the size of each uri and fails if any is missing.
func (s *Stager) Describe(ctx context.Context, uris ...string) error {
	for _, uri := range uris {
		n, err := s.Size(ctx, uri)
		if err != nil {
			return err
		}
		s.Logger.Infof("%s: %s", uri, humanize.Bytes(uint64(n)))
	}
	return nil
}

// WaitForObject polls uri under policy until it exists. The export service
// writes its dump some time after accepting the request.
func (s *Stager) WaitForObject(ctx context.Context, uri string, policy backoff.Policy) error {
	st, err := s.store(ctx, uri)
	if err != nil {
		return err
	}
	_, err = policy.Do(ctx, func(ctx context.Context) (backoff.Verdict, error) {
		_, err := st.Stat(ctx, uri)
		switch {
		case err == nil:
			return backoff.Success, nil
		case err == ErrNotFound:
			s.Logger.Debugf("waiting for %v", uri)
			return backoff.Retry, nil
		}
		return backoff.Fatal, err
	})
	if err != nil {
		return errors.WithCode(errors.Wrapf(err, "waiting for %v", uri), errors.ErrRemoteService)
	}
	return nil
}

// Fetch returns a local path holding the contents of uri. Local files are
// used in place; anything else is copied into TempDir.
func (s *Stager) Fetch(ctx context.Context, uri string) (string, error) {
	if IsLocal(uri) {
		return localPath(uri), nil
	}
	st, err := s.store(ctx, uri)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating temp dir")
	}

	start := time.Now()
	dst := filepath.Join(s.TempDir, path.Base(uri))
	r, err := st.Open(ctx, uri)
	if err != nil {
		return "", errors.Wrapf(err, "opening %v", uri)
	}
	defer r.Close()

	f, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, "creating staged file")
	}
	s.track(dst)
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", errors.Wrapf(err, "copying %v", uri)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "closing staged file")
	}
	metrics.CounterBytesStaged.Add(float64(n))
	logger.Elapsed(s.Logger, start, fmt.Sprintf("download %s (%s)", path.Base(uri), humanize.Bytes(uint64(n))))
	return dst, nil
}

// Gunzip decompresses src into a file beside it without the .gz suffix. A
// staged src is removed afterwards; a caller's local file is left alone.
func (s *Stager) Gunzip(src string) (string, error) {
	if !strings.HasSuffix(src, ".gz") {
		return src, nil
	}
	start := time.Now()
	dst := strings.TrimSuffix(src, ".gz")
	if !s.isStaged(src) {
		if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
			return "", errors.Wrap(err, "creating temp dir")
		}
		dst = filepath.Join(s.TempDir, filepath.Base(dst))
	}

	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "opening compressed file")
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", errors.Wrapf(err, "reading gzip header of %v", src)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, "creating decompressed file")
	}
	s.track(dst)
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return "", errors.Wrapf(err, "decompressing %v", src)
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrap(err, "closing decompressed file")
	}
	if s.isStaged(src) {
		if err := s.remove(src); err != nil {
			return "", err
		}
	}
	logger.Elapsed(s.Logger, start, "unzip "+filepath.Base(src))
	return dst, nil
}

// Prepare fetches uri and decompresses it if needed, returning a local path.
func (s *Stager) Prepare(ctx context.Context, uri string) (string, error) {
	local, err := s.Fetch(ctx, uri)
	if err != nil {
		return "", err
	}
	return s.Gunzip(local)
}

func (s *Stager) track(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, p)
}

func (s *Stager) isStaged(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.staged {
		if sp == p {
			return true
		}
	}
	return false
}

func (s *Stager) remove(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sp := range s.staged {
		if sp == p {
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			break
		}
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %v", p)
	}
	return nil
}

// Staged lists the files this Stager created and has not yet removed.
func (s *Stager) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.staged...)
}

// Cleanup removes every staged file unless Keep is set.
func (s *Stager) Cleanup() error {
	if s.Keep {
		s.Logger.Infof("keeping staged files in %s", s.TempDir)
		return nil
	}
	for _, p := range s.Staged() {
		if err := s.remove(p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases cloud clients.
func (s *Stager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, c := range s.closer {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	s.closer = nil
	return first
}

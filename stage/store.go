// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/bdpedigo/cavelake/errors"
)

// ErrNotFound is returned by a Store when an object does not exist.
var ErrNotFound = errors.New(errors.ErrUncoded, "object does not exist")

// Store reads objects addressed by URI.
type Store interface {
	// Stat returns the size of the object in bytes.
	Stat(ctx context.Context, uri string) (int64, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Scheme returns the lowercased URI scheme of uri, or "" for a local path.
func Scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(uri[:i])
}

// IsLocal reports whether uri names a local file.
func IsLocal(uri string) bool {
	s := Scheme(uri)
	return s == "" || s == "file"
}

// bucketKey splits gs://bucket/key and s3://bucket/key.
func bucketKey(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing URL %v", uri)
	}
	if u.Host == "" || len(u.Path) < 2 {
		return "", "", errors.Newf(errors.ErrConfiguration, "URL %v has no bucket or key", uri)
	}
	return u.Host, u.Path[1:], nil // strip leading slash
}

// LocalStore reads the local filesystem. file:// prefixes are accepted.
type LocalStore struct{}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func (LocalStore) Stat(_ context.Context, uri string) (int64, error) {
	fi, err := os.Stat(localPath(uri))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, errors.Wrapf(err, "stat %v", uri)
	}
	return fi.Size(), nil
}

func (LocalStore) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	f, err := os.Open(localPath(uri))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "opening %v", uri)
	}
	return f, nil
}

// GCSStore reads Google Cloud Storage.
type GCSStore struct {
	Client *storage.Client
}

func (s *GCSStore) Stat(ctx context.Context, uri string) (int64, error) {
	bucket, key, err := bucketKey(uri)
	if err != nil {
		return 0, err
	}
	attrs, err := s.Client.Bucket(bucket).Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist || err == storage.ErrBucketNotExist {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, errors.Wrapf(err, "fetching attributes of %v", uri)
	}
	return attrs.Size, nil
}

func (s *GCSStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := bucketKey(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.Client.Bucket(bucket).Object(key).NewReader(ctx)
	if err == storage.ErrObjectNotExist || err == storage.ErrBucketNotExist {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading %v", uri)
	}
	return r, nil
}

// S3Store reads Amazon S3.
type S3Store struct {
	Client s3iface.S3API
}

func isS3NotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Store) Stat(ctx context.Context, uri string) (int64, error) {
	bucket, key, err := bucketKey(uri)
	if err != nil {
		return 0, err
	}
	out, err := s.Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, errors.Wrapf(err, "fetching S3 object head %v", uri)
	}
	return aws.Int64Value(out.ContentLength), nil
}

func (s *S3Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := bucketKey(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "fetching S3 object %v", uri)
	}
	return out.Body, nil
}

// HTTPStore reads http and https URLs.
type HTTPStore struct {
	Client *http.Client
}

func (s *HTTPStore) do(ctx context.Context, method, uri string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %v", uri)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %v", method, uri)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, errors.New(errors.ErrRemoteService, fmt.Sprintf("%s %v: %s", method, uri, resp.Status))
	}
	return resp, nil
}

func (s *HTTPStore) Stat(ctx context.Context, uri string) (int64, error) {
	resp, err := s.do(ctx, http.MethodHead, uri)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.ContentLength, nil
}

func (s *HTTPStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, uri)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

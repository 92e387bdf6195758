// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package export asks the materialization service to dump a table to cloud
// storage. The service runs one dump at a time and answers a request made
// while another is running with a "busy" error, so requests are retried on
// that answer alone.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdpedigo/cavelake/backoff"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/bdpedigo/cavelake/logger"
	"github.com/bdpedigo/cavelake/metrics"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultMaxAttempts busy answers are tolerated, one DefaultInterval
	// apart, before giving up: about an hour.
	DefaultMaxAttempts = 60
	DefaultInterval    = 60 * time.Second

	busyPhrase = "operation already in progress"
)

// State is the lifecycle state of a Job.
type State int

const (
	Requested State = iota
	ConflictBusy
	Failed
	Ready
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case ConflictBusy:
		return "busy"
	case Failed:
		return "failed"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Job records one table's export request. It exists only for the duration of
// a run; the service owns the actual dump.
type Job struct {
	Table    string
	State    State
	Requests int
	Waits    int

	// Status and Body are from the final response.
	Status int
	Body   string
}

// Trigger issues dump requests for tables of one datastack version.
type Trigger struct {
	BaseURL   string
	Datastack string
	Version   int

	// Header is added to every request; it normally carries the bearer
	// token.
	Header http.Header

	Policy     backoff.Policy
	HTTPClient *http.Client
	Logger     logger.Logger
}

// NewTrigger returns a Trigger with the default busy policy.
func NewTrigger(baseURL, datastack string, version int, log logger.Logger) *Trigger {
	if log == nil {
		log = logger.NopLogger
	}
	return &Trigger{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Datastack: datastack,
		Version:   version,
		Header:    make(http.Header),
		Policy:    backoff.Fixed(DefaultMaxAttempts, DefaultInterval, nil),
		Logger:    log,
	}
}

// SetToken authenticates requests with a bearer token.
func (t *Trigger) SetToken(token string) {
	if token == "" {
		t.Header.Del("Authorization")
		return
	}
	t.Header.Set("Authorization", "Bearer "+token)
}

// URL returns the dump endpoint for table.
func (t *Trigger) URL(table string) string {
	return fmt.Sprintf("%s/api/v2/materialize/run/dump_csv_table/datastack/%s/version/%d/table_name/%s/",
		t.BaseURL, url.PathEscape(t.Datastack), t.Version, url.PathEscape(table))
}

// Run requests a dump of table and waits out busy answers. The returned Job
// is never nil. A Ready job only means the service accepted the request; the
// caller still has to wait for the files to appear.
func (t *Trigger) Run(ctx context.Context, table string) (*Job, error) {
	job := &Job{Table: table, State: Requested}
	log := t.Logger.WithPrefix(fmt.Sprintf("export %s: ", table))

	policy := t.Policy
	policy.Classify = func(resp *http.Response, err error) backoff.Verdict {
		job.Requests++
		if err != nil {
			metrics.CounterExportRequests.WithLabelValues("error").Inc()
			return backoff.Fatal
		}
		v := classify(resp.StatusCode, peekBody(resp))
		if v == backoff.Retry {
			job.State = ConflictBusy
			metrics.CounterExportRequests.WithLabelValues("busy").Inc()
		} else {
			metrics.CounterExportRequests.WithLabelValues(strconvStatus(resp.StatusCode)).Inc()
		}
		return v
	}
	client := policy.Client(t.HTTPClient, func(attempt int, d time.Duration) {
		job.Waits++
		metrics.CounterExportWaits.Inc()
		log.Infof("service busy, retrying in %v (wait %d of %d)", d, attempt+1, policy.MaxAttempts)
	})

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.URL(table), nil)
	if err != nil {
		job.State = Failed
		return job, errors.WithCode(errors.Wrap(err, "building export request"), errors.ErrConfiguration)
	}
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	log.Infof("requesting export")
	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		job.State = Failed
		if ctx.Err() != nil {
			return job, ctx.Err()
		}
		return job, errors.WithCode(errors.Wrapf(err, "requesting export of %q", table), errors.ErrRemoteService)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		job.State = Failed
		return job, errors.WithCode(errors.Wrapf(err, "reading export response for %q", table), errors.ErrRemoteService)
	}
	job.Status = resp.StatusCode
	job.Body = string(body)

	switch {
	case resp.StatusCode == http.StatusOK:
		job.State = Ready
		log.Infof("export accepted after %d request(s)", job.Requests)
		return job, nil
	case isBusy(resp.StatusCode, body):
		job.State = Failed
		return job, errors.Newf(errors.ErrRemoteService,
			"export of %q timed out: service still busy after %d requests and %d waits: %s",
			table, job.Requests, job.Waits, responseMessage(body))
	default:
		job.State = Failed
		return job, errors.Newf(errors.ErrRemoteService, "export of %q failed: HTTP %d: %s",
			table, resp.StatusCode, responseMessage(body))
	}
}

// RunAll exports each table in turn. Each table is an independent job; the
// first failure stops the run and is returned along with the jobs so far.
func (t *Trigger) RunAll(ctx context.Context, tables ...string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(tables))
	for _, table := range tables {
		job, err := t.Run(ctx, table)
		jobs = append(jobs, job)
		if err != nil {
			return jobs, err
		}
	}
	return jobs, nil
}

type serviceError struct {
	Message string `json:"message"`
}

// classify maps an export response to a verdict. Only 200 means the export
// was accepted and only the busy conflict is worth retrying.
func classify(status int, body []byte) backoff.Verdict {
	switch {
	case status == http.StatusOK:
		return backoff.Success
	case isBusy(status, body):
		return backoff.Retry
	}
	return backoff.Fatal
}

// isBusy reports whether a response is the service's "another dump is
// running" answer.
func isBusy(status int, body []byte) bool {
	if status != http.StatusInternalServerError {
		return false
	}
	var se serviceError
	if err := json.Unmarshal(body, &se); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(se.Message), busyPhrase)
}

// responseMessage returns the JSON message field of body, or body itself.
func responseMessage(body []byte) string {
	var se serviceError
	if err := json.Unmarshal(body, &se); err == nil && se.Message != "" {
		return se.Message
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "(empty body)"
	}
	return s
}

// peekBody reads the response body and puts it back so it can be read again.
func peekBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil
	}
	return b
}

func strconvStatus(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return fmt.Sprintf("http_%d", status)
}

// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0

// Package backoff describes how often and how long to retry an operation, and
// adapts that description to go-retryablehttp's hooks.
package backoff

import (
	"context"
	"net/http"
	"time"

	"github.com/bdpedigo/cavelake/errors"
	"github.com/hashicorp/go-retryablehttp"
)

// Verdict is what a Classifier decides about one attempt.
type Verdict int

const (
	Success Verdict = iota
	Retry
	Fatal
)

func (v Verdict) String() string {
	switch v {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Classifier maps the outcome of one HTTP attempt to a Verdict.
type Classifier func(resp *http.Response, err error) Verdict

// ErrExhausted is returned by Do when every retry was used.
var ErrExhausted = errors.New(errors.ErrUncoded, "retries exhausted")

// Policy bounds a retry loop. MaxAttempts counts retries, not requests: a
// policy with MaxAttempts 60 issues at most 61 requests and waits 60 times.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration

	// Multiplier grows the interval after each wait. Values <= 1 keep it
	// fixed.
	Multiplier  float64
	MaxInterval time.Duration

	Classify Classifier
}

// Fixed returns a policy that waits interval between attempts.
func Fixed(maxAttempts int, interval time.Duration, classify Classifier) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval, Classify: classify}
}

// Exponential returns a policy whose interval is multiplied by multiplier
// after each wait, up to max.
func Exponential(maxAttempts int, interval time.Duration, multiplier float64, max time.Duration, classify Classifier) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval, Multiplier: multiplier, MaxInterval: max, Classify: classify}
}

// Delay returns how long to wait before retry number attempt (0 based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Interval
	if p.Multiplier <= 1 {
		return d
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Exhausted reports whether attempt retries have used up the policy.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// CheckRetry adapts the policy's classifier to retryablehttp.
func (p Policy) CheckRetry() retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch p.Classify(resp, err) {
		case Retry:
			return true, nil
		case Fatal:
			return false, err
		}
		return false, nil
	}
}

// Backoff adapts Delay to retryablehttp. onWait, if set, is called with the
// retry number and the chosen delay before each wait.
func (p Policy) Backoff(onWait func(attempt int, d time.Duration)) retryablehttp.Backoff {
	return func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		d := p.Delay(attemptNum)
		if onWait != nil {
			onWait(attemptNum, d)
		}
		return d
	}
}

// Client returns a retryablehttp client driven entirely by the policy. The
// final response is handed back to the caller even when retries run out so it
// can be inspected.
func (p Policy) Client(hc *http.Client, onWait func(attempt int, d time.Duration)) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	if hc != nil {
		c.HTTPClient = hc
	}
	c.Logger = nil
	c.RetryMax = p.MaxAttempts
	c.RetryWaitMin = p.Interval
	c.RetryWaitMax = p.MaxInterval
	c.CheckRetry = p.CheckRetry()
	c.Backoff = p.Backoff(onWait)
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// Do calls op until it reports Success or Fatal, waiting between attempts.
// It returns the number of retries made. When retries run out the error is
// ErrExhausted wrapping the last error from op, if any.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) (Verdict, error)) (int, error) {
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		switch v {
		case Success:
			return attempt, nil
		case Fatal:
			if err == nil {
				err = errors.New(errors.ErrUncoded, "fatal verdict")
			}
			return attempt, err
		}
		if p.Exhausted(attempt) {
			if err != nil {
				return attempt, errors.Wrap(ErrExhausted, err.Error())
			}
			return attempt, ErrExhausted
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

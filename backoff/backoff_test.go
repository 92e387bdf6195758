// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package backoff_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdpedigo/cavelake/backoff"
	"github.com/bdpedigo/cavelake/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	fixed := backoff.Fixed(3, time.Minute, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Minute, fixed.Delay(i))
	}

	exp := backoff.Exponential(10, time.Second, 2, 10*time.Second, nil)
	assert.Equal(t, time.Second, exp.Delay(0))
	assert.Equal(t, 2*time.Second, exp.Delay(1))
	assert.Equal(t, 8*time.Second, exp.Delay(3))
	assert.Equal(t, 10*time.Second, exp.Delay(4))
	assert.Equal(t, 10*time.Second, exp.Delay(40))
}

func TestExhausted(t *testing.T) {
	p := backoff.Fixed(2, 0, nil)
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(1))
	assert.True(t, p.Exhausted(2))
}

func TestDo(t *testing.T) {
	p := backoff.Fixed(5, time.Millisecond, nil)

	t.Run("success after retries", func(t *testing.T) {
		calls := 0
		retries, err := p.Do(context.Background(), func(context.Context) (backoff.Verdict, error) {
			calls++
			if calls < 3 {
				return backoff.Retry, nil
			}
			return backoff.Success, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, retries)
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal stops", func(t *testing.T) {
		calls := 0
		_, err := p.Do(context.Background(), func(context.Context) (backoff.Verdict, error) {
			calls++
			return backoff.Fatal, errors.New(errors.ErrRemoteService, "nope")
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrRemoteService))
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted", func(t *testing.T) {
		calls := 0
		retries, err := p.Do(context.Background(), func(context.Context) (backoff.Verdict, error) {
			calls++
			return backoff.Retry, nil
		})
		require.Error(t, err)
		assert.Equal(t, 5, retries)
		assert.Equal(t, 6, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := backoff.Fixed(5, time.Hour, nil)
		_, err := slow.Do(ctx, func(context.Context) (backoff.Verdict, error) {
			return backoff.Retry, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := backoff.Fixed(5, time.Millisecond, func(resp *http.Response, err error) backoff.Verdict {
		if err != nil || resp.StatusCode == http.StatusServiceUnavailable {
			return backoff.Retry
		}
		return backoff.Success
	})
	var waits []int
	c := p.Client(nil, func(attempt int, d time.Duration) {
		waits = append(waits, attempt)
		assert.Equal(t, time.Millisecond, d)
	})

	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, []int{0, 1}, waits)
}

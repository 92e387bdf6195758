// Copyright 2022 The cavelake Authors.
// SPDX-License-Identifier: Apache-2.0
package export

import (
	"net/http"
	"testing"

	"github.com/bdpedigo/cavelake/backoff"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	const busy = `{"message": "Another operation already in progress for this datastack"}`
	tests := []struct {
		status int
		body   string
		exp    backoff.Verdict
	}{
		{status: http.StatusOK, body: `{}`, exp: backoff.Success},
		{status: http.StatusOK, body: busy, exp: backoff.Success},
		{status: http.StatusInternalServerError, body: busy, exp: backoff.Retry},
		{status: http.StatusInternalServerError, body: `{"message": "table not found"}`, exp: backoff.Fatal},
		{status: http.StatusInternalServerError, body: "", exp: backoff.Fatal},
		{status: http.StatusConflict, body: busy, exp: backoff.Fatal},
		{status: http.StatusAccepted, body: `{}`, exp: backoff.Fatal},
		{status: http.StatusForbidden, body: "forbidden", exp: backoff.Fatal},
		{status: http.StatusNotFound, body: "", exp: backoff.Fatal},
	}
	for _, test := range tests {
		assert.Equal(t, test.exp, classify(test.status, []byte(test.body)), "%d %q", test.status, test.body)
	}
}

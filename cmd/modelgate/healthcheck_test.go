// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthcheckSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	port := testServerPort(t, srv)
	out := &bytes.Buffer{}
	require.NoError(t, healthcheck(t.Context(), port, out))
	assert.Equal(t, `{"status":"ok"}`, out.String())
}

func TestHealthcheckNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("backend not ready"))
	}))
	defer srv.Close()

	port := testServerPort(t, srv)
	out := &bytes.Buffer{}
	err := healthcheck(t.Context(), port, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHealthcheckConnectionRefused(t *testing.T) {
	out := &bytes.Buffer{}
	err := healthcheck(t.Context(), 1, out)
	require.Error(t, err)
}

func testServerPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

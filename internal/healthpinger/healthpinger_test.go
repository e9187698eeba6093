// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package healthpinger

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/testsupport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnyGETReturnsEmpty200(t *testing.T) {
	port := testsupport.RequireRandomPorts(t, 1)[0]
	addr := portAddr(port)

	s := New(addr, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitUntilUp(t, addr)

	for _, path := range []string{"/ping", "/anything", "/"} {
		resp, err := http.Get("http://" + addr + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Empty(t, body)
		require.Equal(t, "0", resp.Header.Get("Content-Length"))
	}

	cancel()
	require.NoError(t, <-done)
}

func portAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

func waitUntilUp(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/ping")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never came up")
}

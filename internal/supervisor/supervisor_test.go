// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/keystore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.0.0.5":  false,
		"":          false,
	}
	for ip, want := range cases {
		assert.Equal(t, want, isLoopback(ip), "ip=%q", ip)
	}
}

func TestVerifyLoopbackBindSkipsWhenNoListeningSockets(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	s := &Supervisor{log: discardLogger(), backendCmd: cmd}

	// verifyLoopbackBind first waits the full backendBindCheckDelay; a plain
	// sleep process holds no listening sockets, so this must pass cleanly.
	err := s.verifyLoopbackBind(ctx)
	assert.NoError(t, err)
}

func TestVerifyLoopbackBindReturnsContextErrorOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	cmd := exec.Command("sleep", "1")
	s := &Supervisor{log: discardLogger(), backendCmd: cmd}

	err := s.verifyLoopbackBind(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminateBackendSendsTermThenReturns(t *testing.T) {
	s := &Supervisor{log: discardLogger()}
	cmd := exec.Command("sh", "-c", "trap 'exit 0' TERM; sleep 30 & wait")
	require.NoError(t, cmd.Start())
	s.backendCmd = cmd
	s.backendExited = s.watchBackendExit()

	done := make(chan struct{})
	go func() {
		s.terminateBackend()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("terminateBackend did not return after TERM")
	}
}

func TestTerminateBackendIsNoopWhenAlreadyExited(t *testing.T) {
	s := &Supervisor{log: discardLogger()}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	s.backendCmd = cmd
	s.backendExited = s.watchBackendExit()
	<-s.backendDone

	done := make(chan struct{})
	go func() {
		s.terminateBackend()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminateBackend blocked on an already-exited process")
	}
}

func TestReloadKeysNoopWithoutKeystore(t *testing.T) {
	s := &Supervisor{log: discardLogger()}
	assert.NotPanics(t, s.reloadKeys)
}

func TestReloadKeysReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("a:secretlongenough0123456\n"), 0o600))

	ks := keystore.New(path)
	require.Equal(t, 1, ks.Snapshot().Len())

	require.NoError(t, os.WriteFile(path, []byte("a:secretlongenough0123456\nb:anothersecretlongenough123\n"), 0o600))

	s := &Supervisor{log: discardLogger(), keys: ks}
	s.reloadKeys()

	assert.Equal(t, 2, ks.Snapshot().Len())
}

func TestWaitForBackendReadyReturnsOnSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s := &Supervisor{
		log: discardLogger(),
		cfg: &config.Config{
			BackendHost:       "127.0.0.1",
			BackendPort:       port,
			HealthPollTimeout: time.Second,
		},
	}

	start := time.Now()
	s.waitForBackendReady(t.Context())
	assert.Less(t, time.Since(start), backendReadyTimeout)
}

func TestWaitForBackendReadyGivesUpWithoutBlockingForever(t *testing.T) {
	s := &Supervisor{
		log: discardLogger(),
		cfg: &config.Config{
			BackendHost:       "127.0.0.1",
			BackendPort:       1, // nothing listens on port 1
			HealthPollTimeout: 50 * time.Millisecond,
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	s.waitForBackendReady(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrefersExistingPreferred(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, Resolve(dir))
}

func TestResolveFallsBackToOriginalWhenNothingExists(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	assert.Equal(t, missing, Resolve(missing))
}

func TestResolveSkipsEmptyPreferred(t *testing.T) {
	got := Resolve("")
	assert.NotEmpty(t, got)
}

func TestNewLayoutDerivesPaths(t *testing.T) {
	l := NewLayout("/data", "")
	assert.Equal(t, "/data/models", l.ModelsDir)
	assert.Equal(t, "/data/logs", l.LogsDir)
	assert.Equal(t, "/data/logs/_boot", l.BootLogsDir)
	assert.Equal(t, "/data/logs/api_access.log", l.AccessLog)
	assert.Equal(t, "/data/api_keys.txt", l.KeysFile)
}

func TestWorkerLogDirDefaultsWhenTagEmpty(t *testing.T) {
	l := NewLayout("/data", "")
	assert.Equal(t, "/data/logs/default", l.WorkerLogDir(""))
	assert.Equal(t, "/data/logs/gpu-a", l.WorkerLogDir("gpu-a"))
}

func TestEnsureDirsCreatesLogTree(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root, "gpu-a")
	require.NoError(t, l.EnsureDirs("gpu-a"))

	for _, dir := range []string{l.LogsDir, l.BootLogsDir, l.WorkerLogDir("gpu-a")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() *Config {
	return &Config{
		GatewayPort:    8000,
		HealthPort:     8001,
		BackendHost:    "127.0.0.1",
		ModelRef:       "test-model",
		BackendCommand: "/usr/local/bin/fake-backend",
		MaxConcurrent:  1,
		MaxQueueSize:   0,
		DataDir:        "/nonexistent-for-test",
	}
}

func TestValidateRejectsMissingModelRef(t *testing.T) {
	c := validConfig()
	c.ModelRef = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsMissingBackendCommand(t *testing.T) {
	c := validConfig()
	c.BackendCommand = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsMaxConcurrentBelowOne(t *testing.T) {
	c := validConfig()
	c.MaxConcurrent = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativeQueueSize(t *testing.T) {
	c := validConfig()
	c.MaxQueueSize = -1
	require.Error(t, c.Validate())
}

func TestValidateRejectsSamePorts(t *testing.T) {
	c := validConfig()
	c.HealthPort = c.GatewayPort
	require.Error(t, c.Validate())
}

func TestValidateRejectsNonLoopbackBackendHost(t *testing.T) {
	c := validConfig()
	c.BackendHost = "0.0.0.0"
	require.Error(t, c.Validate())
}

func TestValidateDefaultsKeysFileUnderDataDir(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
	assert.Contains(t, c.ResolvedKeysFile, "api_keys.txt")
}

func TestValidateHonorsExplicitKeysFile(t *testing.T) {
	c := validConfig()
	c.AuthKeysFile = "/custom/path/keys.txt"
	require.NoError(t, c.Validate())
	assert.Equal(t, "/custom/path/keys.txt", c.ResolvedKeysFile)
}

func TestBeforeApplyPrefersBackendPortOverDeprecatedAlias(t *testing.T) {
	c := &Config{BackendPort: 9000, DeprecatedModelPort: 7000}
	require.NoError(t, c.BeforeApply(discardLogger()))
	assert.Equal(t, 9000, c.BackendPort)
}

func TestBeforeApplyIgnoresDeprecatedAliasWhenBackendPortUnset(t *testing.T) {
	c := &Config{DeprecatedModelPort: 7000}
	require.NoError(t, c.BeforeApply(discardLogger()))
	assert.Equal(t, 8080, c.BackendPort, "MODEL_PORT must be warned about and ignored, never applied")
}

func TestBeforeApplyDefaultsBackendPort(t *testing.T) {
	c := &Config{}
	require.NoError(t, c.BeforeApply(discardLogger()))
	assert.Equal(t, 8080, c.BackendPort)
}

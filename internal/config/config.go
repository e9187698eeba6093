// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config defines the gateway's environment-variable configuration
// surface (spec.md §6.3), parsed and validated with kong the way the
// teacher's own cmd/aigw binds its CLI flags and env vars.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/modelgate/modelgate/internal/datadir"
)

// Config is the fully resolved, validated gateway configuration. Field tags
// double as kong's flag/env binding and as the source of truth for
// defaults; BeforeApply and Validate implement the deprecated-name warnings
// and contradiction checks spec.md §4.7 step 1 requires.
type Config struct {
	GatewayPort int    `name:"gateway-port" env:"GATEWAY_PORT" default:"8000" help:"External API listen port."`
	HealthPort  int    `name:"health-port" env:"HEALTH_PORT" default:"8001" help:"Platform health listen port."`
	BackendPort int    `name:"backend-port" env:"BACKEND_PORT" help:"Loopback backend target port."`
	BackendHost string `name:"backend-host" env:"BACKEND_HOST" default:"127.0.0.1" help:"Backend host; must resolve to loopback."`

	// ModelRef identifies the model the backend should load; it is the
	// "required variable" spec.md §4.7 step 1 refers to, absent which the
	// supervisor refuses to start.
	ModelRef string `name:"model-ref" env:"MODEL_REF" help:"Model identifier passed to the inference backend. Required."`
	// BackendCommand is the inference engine executable; BackendArgs are
	// appended verbatim. MODEL_REF and BACKEND_CREDENTIAL are always
	// injected as environment variables regardless of BackendArgs.
	BackendCommand string   `name:"backend-command" env:"BACKEND_COMMAND" help:"Path to the inference backend executable. Required."`
	BackendArgs    []string `name:"backend-args" env:"BACKEND_ARGS" help:"Additional arguments passed to the backend command."`

	// DeprecatedModelPort is the old name for BackendPort. BeforeApply
	// logs a warning when it is set and BackendPort is unset; its value is
	// never copied into BackendPort.
	DeprecatedModelPort int `name:"model-port" env:"MODEL_PORT" hidden:""`

	AuthEnabled       bool   `name:"auth-enabled" env:"AUTH_ENABLED" default:"true" help:"Require API keys on protected endpoints."`
	AuthKeysFile      string `name:"auth-keys-file" env:"AUTH_KEYS_FILE" help:"Path to the API key store. Defaults to <data-dir>/api_keys.txt."`
	GlobalRateLimit   int    `name:"global-rate-limit" env:"GLOBAL_RATE_LIMIT" default:"100" help:"Default per-identity requests-per-minute ceiling."`
	MetricsRequireAuth bool  `name:"metrics-require-auth" env:"METRICS_REQUIRE_AUTH" default:"false" help:"Require an API key on /metrics."`

	MaxConcurrent int `name:"max-concurrent" env:"MAX_CONCURRENT" default:"1" help:"Concurrency gate admission seats."`
	MaxQueueSize  int `name:"max-queue-size" env:"MAX_QUEUE_SIZE" default:"0" help:"Admission queue size; 0 is unbounded."`

	MaxRequestBody        int `name:"max-request-body" env:"MAX_REQUEST_BODY" default:"10485760" help:"Ingress Content-Length cap, bytes."`
	MaxHeaders            int `name:"max-headers" env:"MAX_HEADERS" default:"64" help:"Ingress header count cap."`
	MaxHeaderLine         int `name:"max-header-line" env:"MAX_HEADER_LINE" default:"8192" help:"Ingress single header line cap, bytes."`
	MaxRequestLine        int `name:"max-request-line" env:"MAX_REQUEST_LINE" default:"8192" help:"Ingress request line cap, bytes."`
	MaxResponseHeaderTotal int `name:"max-response-header-total" env:"MAX_RESPONSE_HEADER_TOTAL" default:"65536" help:"Egress proxy response header cap, bytes. Not applied: the proxy always uses its fixed 65536-byte cap."`

	RequestTimeout        time.Duration `name:"request-timeout" env:"REQUEST_TIMEOUT" default:"300s" help:"End-to-end proxy timeout."`
	BackendConnectTimeout time.Duration `name:"backend-connect-timeout" env:"BACKEND_CONNECT_TIMEOUT" default:"10s" help:"TCP connect timeout to the backend."`
	ClientHeaderTimeout   time.Duration `name:"client-header-timeout" env:"CLIENT_HEADER_TIMEOUT" default:"30s" help:"Slow-loris guard: time to read the full header block."`
	HealthPollTimeout     time.Duration `name:"health-poll-timeout" env:"HEALTH_POLL_TIMEOUT" default:"2s" help:"Timeout used when /health polls the backend."`
	ShutdownDrainTimeout  time.Duration `name:"shutdown-drain-timeout" env:"SHUTDOWN_DRAIN_TIMEOUT" default:"30s" help:"Grace period for in-flight requests during shutdown."`

	CORSOrigins string `name:"cors-origins" env:"CORS_ORIGINS" help:"Comma-separated allow-list, or '*'."`

	DataDir    string `name:"data-dir" env:"DATA_DIR" default:"/data" help:"Persisted state root; auto-detected if absent."`
	LogFormat  string `name:"log-format" env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Structured log encoding."`
	WorkerTag  string `name:"worker-type-tag" env:"WORKER_TYPE_TAG" help:"Suffix for the worker's log subdirectory."`
	DebugHold  bool   `name:"debug-hold" env:"DEBUG_HOLD" default:"false" help:"Sleep indefinitely instead of starting, for operator debugging."`

	RedisAddr     string `name:"redis-addr" env:"REDIS_ADDR" help:"Optional Redis address for cross-replica rate-limit sharing."`
	RedisPassword string `name:"redis-password" env:"REDIS_PASSWORD" help:"Password for the optional Redis backend."`
	RedisDB       int    `name:"redis-db" env:"REDIS_DB" default:"0" help:"Database index for the optional Redis backend."`

	// ResolvedDataDir and ResolvedKeysFile are filled in by Validate and
	// are not bindable from the environment.
	ResolvedDataDir  string `kong:"-"`
	ResolvedKeysFile string `kong:"-"`
}

// BeforeApply runs before kong applies field defaults, handling the
// deprecated MODEL_PORT -> BACKEND_PORT alias (Open Question resolution:
// accept BACKEND_PORT only; if the deprecated MODEL_PORT is set, warn and
// ignore it rather than honoring it).
func (c *Config) BeforeApply(log *slog.Logger) error {
	if c.BackendPort == 0 && c.DeprecatedModelPort != 0 {
		if log != nil {
			log.Warn("MODEL_PORT is deprecated and ignored, use BACKEND_PORT", "value", c.DeprecatedModelPort)
		}
	}
	if c.BackendPort == 0 {
		c.BackendPort = 8080
	}
	return nil
}

// Validate enforces spec.md §4.7 step 1: refuse contradictory
// configuration, and resolve the data directory and default key file path.
func (c *Config) Validate() error {
	if c.ModelRef == "" {
		return fmt.Errorf("config: model-ref is required")
	}
	if c.BackendCommand == "" {
		return fmt.Errorf("config: backend-command is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: max-concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("config: max-queue-size must be >= 0, got %d", c.MaxQueueSize)
	}
	if c.GatewayPort == c.HealthPort {
		return fmt.Errorf("config: gateway-port and health-port must differ, both are %d", c.GatewayPort)
	}
	if c.BackendHost != "127.0.0.1" && c.BackendHost != "localhost" && c.BackendHost != "::1" {
		return fmt.Errorf("config: backend-host must be loopback, got %q", c.BackendHost)
	}

	c.ResolvedDataDir = datadir.Resolve(c.DataDir)
	c.ResolvedKeysFile = c.AuthKeysFile
	if c.ResolvedKeysFile == "" {
		c.ResolvedKeysFile = c.ResolvedDataDir + "/api_keys.txt"
	}
	return nil
}

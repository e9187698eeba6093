// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package supervisor implements the ordered startup, signal handling, and
// teardown of spec.md §4.7: generate a backend credential, launch the
// inference backend as a child process, verify it bound to loopback only,
// wait (without blocking indefinitely) for it to report ready, then start
// the health pinger and the gateway alongside it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	gopsutilnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/modelgate/modelgate/internal/accesslog"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/datadir"
	"github.com/modelgate/modelgate/internal/gate"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/healthpinger"
	"github.com/modelgate/modelgate/internal/keystore"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/proxy"
	"github.com/modelgate/modelgate/internal/ratelimit"
)

// backendBindCheckDelay is the "N seconds" of spec.md §4.7 step 4: how
// long to let the backend start before scanning its listening sockets for
// a non-loopback bind.
const backendBindCheckDelay = 2 * time.Second

// backendReadyTimeout bounds step 5's readiness poll. Exceeding it is
// logged, not fatal: the gateway starts regardless and its own /health
// continues reporting backend reachability.
const backendReadyTimeout = 60 * time.Second

// backendKillGrace is how long the backend gets to exit after TERM before
// the supervisor escalates to KILL, per spec.md §4.7 signals.
const backendKillGrace = 30 * time.Second

// Supervisor owns the lifetime of the backend child process, the health
// pinger, and the gateway, and coordinates their shutdown as one unit.
type Supervisor struct {
	cfg *config.Config
	log *slog.Logger

	layout   datadir.Layout
	credFile *credentialFile

	backendCmd    *exec.Cmd
	backendLogs   *os.File
	backendExited <-chan error
	backendDone   chan struct{} // closed once, when the backend process exits
	gatewaySrv    *gateway.Server
	pingerSrv     *healthpinger.Server
	accessLog     *accesslog.Logger
	keys          *keystore.KeyStore
	redisWindow   *ratelimit.RedisWindow
}

// New constructs a Supervisor from validated configuration. cfg.Validate
// must have already been called successfully.
func New(cfg *config.Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		log:    log,
		layout: datadir.NewLayout(cfg.ResolvedDataDir, cfg.WorkerTag),
	}
}

// Run executes the full startup sequence, then blocks until a shutdown
// signal, a HUP reload signal, or an unexpected child exit, tearing
// everything down before returning. The returned error is non-nil when
// startup itself failed or when the backend or gateway exited unexpectedly;
// a shutdown by signal or context cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.layout.EnsureDirs(s.cfg.WorkerTag); err != nil {
		return fmt.Errorf("supervisor: prepare data directory: %w", err)
	}

	runID := uuid.NewString()
	s.log = s.log.With("run_id", runID)

	bootLogFile, err := os.OpenFile(filepath.Join(s.layout.BootLogsDir, runID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("supervisor: open boot log: %w", err)
	}
	defer bootLogFile.Close()
	bootLog := slog.New(slog.NewJSONHandler(bootLogFile, nil)).With("run_id", runID)
	bootLog.Info("startup began", "model_ref", s.cfg.ModelRef, "backend_command", s.cfg.BackendCommand)

	accessLogFile, err := os.OpenFile(s.layout.AccessLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("supervisor: open access log: %w", err)
	}
	defer accessLogFile.Close()
	accessFormat := accesslog.FormatText
	if s.cfg.LogFormat == "json" {
		accessFormat = accesslog.FormatJSON
	}
	s.accessLog = accesslog.New(accessLogFile, accessFormat, s.log)
	defer s.accessLog.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	credential, err := generateCredential()
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	credPath := filepath.Join(os.TempDir(), fmt.Sprintf("modelgate-backend-credential-%d", os.Getpid()))
	s.credFile, err = writeCredentialFile(credPath, credential)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer func() {
		if err := s.credFile.Shred(); err != nil {
			s.log.Warn("failed to shred backend credential file", "error", err)
		}
	}()
	bootLog.Info("backend credential generated")

	if err := s.launchBackend(runCtx, credential); err != nil {
		bootLog.Error("backend launch failed", "error", err)
		return fmt.Errorf("supervisor: launch backend: %w", err)
	}
	s.backendExited = s.watchBackendExit()
	bootLog.Info("backend process started", "pid", s.backendCmd.Process.Pid)

	if err := s.verifyLoopbackBind(runCtx); err != nil {
		bootLog.Error("loopback bind verification failed", "error", err)
		s.terminateBackend()
		return fmt.Errorf("supervisor: %w", err)
	}
	bootLog.Info("loopback bind verified")

	s.waitForBackendReady(runCtx)
	bootLog.Info("backend readiness wait complete")

	pinger, pingerDone := s.launchHealthPinger(runCtx)
	s.pingerSrv = pinger
	bootLog.Info("health pinger started", "addr", pinger.Addr())

	gwSrv, gwDone, err := s.launchGateway(runCtx, credential)
	if err != nil {
		bootLog.Error("gateway launch failed", "error", err)
		s.terminateBackend()
		return fmt.Errorf("supervisor: launch gateway: %w", err)
	}
	s.gatewaySrv = gwSrv
	bootLog.Info("gateway started", "port", s.cfg.GatewayPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var exitErr error
	gatewayExited := false
loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.reloadKeys()
				continue loop
			default:
				s.log.Info("shutdown signal received", "signal", sig.String())
				break loop
			}
		case err := <-s.backendExited:
			s.log.Error("backend exited unexpectedly", "error", err)
			exitErr = fmt.Errorf("backend exited unexpectedly: %w", err)
			break loop
		case err := <-gwDone:
			gatewayExited = true
			if err != nil {
				s.log.Error("gateway exited unexpectedly", "error", err)
				exitErr = fmt.Errorf("gateway exited unexpectedly: %w", err)
			}
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancelRun()
	if !gatewayExited {
		<-gwDone
	}
	<-pingerDone
	s.terminateBackend()
	if s.redisWindow != nil {
		if err := s.redisWindow.Close(); err != nil {
			s.log.Warn("failed to close redis rate-limit connection", "error", err)
		}
	}

	return exitErr
}

func (s *Supervisor) launchBackend(ctx context.Context, credential string) error {
	logPath := filepath.Join(s.layout.WorkerLogDir(s.cfg.WorkerTag), "backend.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open backend log: %w", err)
	}
	s.backendLogs = logFile

	cmd := exec.CommandContext(ctx, s.cfg.BackendCommand, s.cfg.BackendArgs...)
	cmd.Env = append(os.Environ(),
		"MODEL_REF="+s.cfg.ModelRef,
		"BACKEND_CREDENTIAL="+credential,
		"BACKEND_HOST="+s.cfg.BackendHost,
		"BACKEND_PORT="+strconv.Itoa(s.cfg.BackendPort),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		return err
	}
	s.backendCmd = cmd
	s.log.Info("backend started", "command", s.cfg.BackendCommand, "pid", cmd.Process.Pid)
	return nil
}

// watchBackendExit returns a channel that receives the backend's exit
// error (nil on a clean exit, which is still "unexpected" here since the
// backend is supposed to run for the supervisor's whole lifetime).
func (s *Supervisor) watchBackendExit() <-chan error {
	ch := make(chan error, 1)
	s.backendDone = make(chan struct{})
	go func() {
		err := s.backendCmd.Wait()
		close(s.backendDone)
		ch <- err
	}()
	return ch
}

// verifyLoopbackBind implements spec.md §4.7 step 4: after giving the
// backend time to bind its listening socket, scan the system's TCP
// connections for one owned by the backend's pid and abort if it is bound
// to anything other than a loopback address.
func (s *Supervisor) verifyLoopbackBind(ctx context.Context) error {
	select {
	case <-time.After(backendBindCheckDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	pid := int32(s.backendCmd.Process.Pid) // #nosec G115 -- pid fits in int32
	if _, err := process.NewProcessWithContext(ctx, pid); err != nil {
		// The backend may have already exited; watchBackendExit will
		// surface that separately.
		return nil
	}

	conns, err := gopsutilnet.ConnectionsPid("tcp", pid)
	if err != nil {
		s.log.Warn("could not scan backend listening sockets, skipping loopback verification", "error", err)
		return nil
	}

	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		if !isLoopback(c.Laddr.IP) {
			return fmt.Errorf("backend bound to non-loopback address %s:%d", c.Laddr.IP, c.Laddr.Port)
		}
	}
	return nil
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost"
}

// waitForBackendReady implements step 5: poll the backend's own health
// endpoint until it answers or backendReadyTimeout elapses. Failure to
// become ready in time is logged and does not block startup -- the
// gateway's /health continues to report backend reachability afterward.
func (s *Supervisor) waitForBackendReady(ctx context.Context) {
	url := fmt.Sprintf("http://%s:%d/health", s.cfg.BackendHost, s.cfg.BackendPort)
	deadline := time.Now().Add(backendReadyTimeout)
	client := &http.Client{Timeout: s.cfg.HealthPollTimeout}

	for time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthPollTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				cancel()
				if resp.StatusCode < 500 {
					s.log.Info("backend reported ready")
					return
				}
			}
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	s.log.Warn("backend did not report ready within timeout, starting gateway anyway", "timeout", backendReadyTimeout)
}

func (s *Supervisor) launchHealthPinger(ctx context.Context) (*healthpinger.Server, <-chan struct{}) {
	addr := fmt.Sprintf(":%d", s.cfg.HealthPort)
	pinger := healthpinger.New(addr, s.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pinger.Run(ctx); err != nil {
			s.log.Error("health pinger stopped with error", "error", err)
		}
	}()
	return pinger, done
}

func (s *Supervisor) launchGateway(ctx context.Context, backendCredential string) (*gateway.Server, <-chan error, error) {
	ks := keystore.New(s.cfg.ResolvedKeysFile)
	if err := ks.Watch(ctx, s.log); err != nil {
		s.log.Warn("key file watch unavailable, relying on HUP/--reload only", "error", err)
	}
	s.keys = ks

	limiter := ratelimit.New(s.cfg.GlobalRateLimit)
	go limiter.RunGC(ctx.Done(), nil)
	if s.cfg.RedisAddr != "" {
		redisWindow := ratelimit.NewRedisWindow(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
		limiter.SetSharedWindow(redisWindow)
		s.redisWindow = redisWindow
		s.log.Info("rate limiting shared across replicas via redis", "addr", s.cfg.RedisAddr)
	}
	authenticator := auth.New(ks, limiter, s.cfg.GlobalRateLimit)
	admission := gate.New(s.cfg.MaxConcurrent, s.cfg.MaxQueueSize)
	engine := proxy.NewEngine(
		fmt.Sprintf("%s:%d", s.cfg.BackendHost, s.cfg.BackendPort),
		backendCredential,
		s.cfg.BackendConnectTimeout,
		s.cfg.RequestTimeout,
	)
	reg := metrics.New()
	admission.SetQueueDepthHooks(reg.IncQueueDepth, reg.DecQueueDepth)

	srv := gateway.New(gateway.Deps{
		Config:    s.cfg,
		Logger:    s.log,
		Keys:      ks,
		Auth:      authenticator,
		Gate:      admission,
		Engine:    engine,
		Metrics:   reg,
		AccessLog: s.accessLog,
	})

	go srv.RunBackendPoller(ctx)

	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx)
	}()

	return srv, done, nil
}

// reloadKeys implements the HUP signal handler of spec.md §4.7: reload the
// key file without interrupting service. It is equivalent to POSTing
// /reload, just triggered from outside the HTTP surface.
func (s *Supervisor) reloadKeys() {
	if s.keys == nil {
		return
	}
	n, err := s.keys.Reload()
	if err != nil {
		s.log.Warn("HUP reload failed, previous keys retained", "error", err)
		return
	}
	s.log.Info("HUP received, keys reloaded", "keys_loaded", n)
}

// terminateBackend forwards TERM to the backend, waits up to
// backendKillGrace, then escalates to KILL, per spec.md §4.7 signals. It is
// safe to call after the backend has already exited on its own.
func (s *Supervisor) terminateBackend() {
	if s.backendCmd == nil || s.backendCmd.Process == nil {
		return
	}
	defer func() {
		if s.backendLogs != nil {
			_ = s.backendLogs.Close()
		}
	}()

	select {
	case <-s.backendDone:
		return
	default:
	}

	_ = s.backendCmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.backendDone:
	case <-time.After(backendKillGrace):
		s.log.Warn("backend did not exit after TERM, sending KILL")
		_ = s.backendCmd.Process.Kill()
		<-s.backendDone
	}
}

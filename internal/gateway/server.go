// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway wires the authentication, rate limiting, admission gate,
// and proxy engine behind a single HTTP server implementing the routing
// table, CORS, and health/metrics surface of spec.md §4.3 and §6.1.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/accesslog"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/gate"
	"github.com/modelgate/modelgate/internal/keystore"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/proxy"
)

// Server is the fully assembled gateway: intake limits, auth, the
// concurrency gate, the proxy engine, and the observability surface.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	keys   *keystore.KeyStore
	auther *auth.Authenticator
	gate   *gate.Gate
	engine *proxy.Engine

	metrics       *metrics.Registry
	accessLog     *accesslog.Logger
	cors          corsPolicy
	limits        intakeLimits
	backendPoller *BackendPoller

	mux *http.ServeMux
}

// Deps bundles the already-constructed collaborators a Server needs;
// Server itself only wires HTTP semantics around them.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Keys      *keystore.KeyStore
	Auth      *auth.Authenticator
	Gate      *gate.Gate
	Engine    *proxy.Engine
	Metrics   *metrics.Registry
	AccessLog *accesslog.Logger
}

// New assembles a Server from Deps and builds the routing table. The
// background backend-health poller is created but not started; callers
// start it with RunBackendPoller.
func New(d Deps) *Server {
	backendURL := fmt.Sprintf("http://%s:%d/health", d.Config.BackendHost, d.Config.BackendPort)
	s := &Server{
		cfg:       d.Config,
		log:       d.Logger,
		keys:      d.Keys,
		auther:    d.Auth,
		gate:      d.Gate,
		engine:    d.Engine,
		metrics:   d.Metrics,
		accessLog: d.AccessLog,
		cors:      newCORSPolicy(d.Config.CORSOrigins),
		limits: intakeLimits{
			maxRequestLine: d.Config.MaxRequestLine,
			maxHeaders:     d.Config.MaxHeaders,
			maxHeaderLine:  d.Config.MaxHeaderLine,
			maxRequestBody: d.Config.MaxRequestBody,
		},
		backendPoller: newBackendPoller(backendURL, d.Config.HealthPollTimeout),
	}
	s.mux = s.buildMux()
	return s
}

// RunBackendPoller starts the background backend health poll loop; callers
// should run it in its own goroutine alongside the HTTP server.
func (s *Server) RunBackendPoller(ctx context.Context) {
	s.backendPoller.Run(ctx, 5*time.Second)
}

// Handler returns the assembled http.Handler, suitable for http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.wrapPublic(handlePing))
	mux.HandleFunc("GET /health", s.wrapPublic(s.handleHealth))
	mux.HandleFunc("GET /metrics", s.wrapMetrics(s.metrics.Handler()))
	mux.HandleFunc("POST /reload", s.wrapProtected(s.handleReload))
	mux.HandleFunc("/", s.wrapProxy())
	return mux
}

// wrapPublic applies intake limits and CORS, but no authentication or
// queueing, matching the routing table's "none"/"no" entries for
// /ping and /health.
func (s *Server) wrapPublic(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cors.apply(w, r)
		if r.Method == http.MethodOptions {
			s.cors.handleOptions(w, r)
			return
		}
		if status, code := s.limits.check(r); status != 0 {
			s.recordRejected(r, status)
			writeError(w, status, "invalid_request_error", code, "Request rejected by ingress limits")
			return
		}
		h(w, r)
	}
}

// wrapMetrics gates /metrics behind auth only when MetricsRequireAuth is
// set (spec.md §6.1 footnote 1).
func (s *Server) wrapMetrics(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cors.apply(w, r)
		if r.Method == http.MethodOptions {
			s.cors.handleOptions(w, r)
			return
		}
		if s.cfg.MetricsRequireAuth {
			result := s.auther.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if !result.OK {
				s.rejectAuth(w, result)
				return
			}
		}
		h.ServeHTTP(w, r)
	}
}

// wrapProtected requires authentication and rate limiting, but does not
// queue through the concurrency gate (used by /reload, which is cheap and
// local).
func (s *Server) wrapProtected(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cors.apply(w, r)
		if r.Method == http.MethodOptions {
			s.cors.handleOptions(w, r)
			return
		}
		if status, code := s.limits.check(r); status != 0 {
			s.recordRejected(r, status)
			writeError(w, status, "invalid_request_error", code, "Request rejected by ingress limits")
			return
		}
		result := s.auther.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if !result.OK {
			s.rejectAuth(w, result)
			return
		}
		h(w, r)
	}
}

// wrapProxy is the catch-all route: intake limits, auth, admission gate,
// then the proxy engine, per the data-flow pipeline in spec.md §2.
func (s *Server) wrapProxy() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.cors.apply(w, r)
		if r.Method == http.MethodOptions {
			s.cors.handleOptions(w, r)
			return
		}

		s.metrics.IncRequestsTotal()
		requestID := uuid.NewString()

		if status, code := s.limits.check(r); status != 0 {
			s.recordRejected(r, status)
			writeError(w, status, "invalid_request_error", code, "Request rejected by ingress limits")
			return
		}

		result := s.auther.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if !result.OK {
			s.rejectAuth(w, result)
			return
		}
		s.metrics.IncRequestsAuthenticated()

		ticket, err := s.gate.Acquire(r.Context())
		if err != nil {
			if err == gate.ErrQueueFull {
				s.metrics.IncQueueRejections()
				s.metrics.IncRequestsError()
				w.Header().Set("Retry-After", "5")
				writeError(w, http.StatusServiceUnavailable, "server_error", "queue_full", "Concurrency queue is full")
				s.logAccess(result.KeyID, r, http.StatusServiceUnavailable)
				return
			}
			// Client disconnected while queued: drop silently, but still
			// account for it so requests_success + requests_error +
			// requests_unauthorized == requests_total holds.
			s.metrics.IncRequestsError()
			return
		}
		if ticket.WasQueued() {
			s.metrics.AddQueueWait(ticket.Waited())
		}
		s.metrics.IncRequestsActive()
		defer func() {
			s.metrics.DecRequestsActive()
			ticket.Release()
		}()

		r.Header.Set("X-Request-Id", requestID)
		outcome := s.engine.ServeHTTP(w, r)
		s.metrics.AddBytesSent(outcome.BytesSent)

		if !outcome.HeadersSent {
			s.writeProxyError(w, outcome)
		}
		s.recordOutcome(result.KeyID, r, outcome)
	}
}

// writeProxyError renders the JSON envelope for a proxy failure that never
// reached the point of forwarding backend headers (connect failure or
// pre-backend timeout); once headers are sent the engine has already
// committed the status line and no further body can be written.
func (s *Server) writeProxyError(w http.ResponseWriter, outcome proxy.Outcome) {
	switch outcome.Status {
	case http.StatusGatewayTimeout:
		writeError(w, http.StatusGatewayTimeout, "server_error", "backend_timeout", "Backend did not respond in time")
	default:
		w.WriteHeader(http.StatusBadGateway)
	}
}

func (s *Server) recordOutcome(keyID string, r *http.Request, outcome proxy.Outcome) {
	if outcome.Err != nil {
		s.metrics.IncRequestsError()
	} else {
		s.metrics.IncRequestsSuccess()
	}
	s.logAccess(keyID, r, outcome.Status)
}

func (s *Server) rejectAuth(w http.ResponseWriter, result auth.Result) {
	s.metrics.IncRequestsUnauthorized()
	switch result.Code {
	case auth.CodeRateLimited:
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", string(result.Code), result.Message)
	default:
		writeError(w, http.StatusUnauthorized, "invalid_request_error", string(result.Code), result.Message)
	}
}

func (s *Server) recordRejected(r *http.Request, status int) {
	s.metrics.IncRequestsError()
	s.logAccess("-", r, status)
}

func (s *Server) logAccess(keyID string, r *http.Request, status int) {
	if s.accessLog == nil {
		return
	}
	s.accessLog.Log(accesslog.Entry{
		KeyID:  keyID,
		Method: r.Method,
		Path:   r.URL.Path,
		Status: status,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	n, err := s.keys.Reload()
	if err != nil {
		s.log.Warn("key reload failed, previous keys retained", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "server_error", "Key reload failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "keys_loaded": n})
}

// ListenAndServe runs the gateway HTTP server until ctx is cancelled, then
// shuts it down gracefully within the configured drain timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.GatewayPort)),
		Handler:           s.mux,
		ReadHeaderTimeout: s.cfg.ClientHeaderTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderLine * s.cfg.MaxHeaders,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownDrainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if strings.Contains(err.Error(), "Server closed") {
			return nil
		}
		return err
	}
}

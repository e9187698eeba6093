// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package healthpinger implements the liveness-only listener of spec.md
// §4.6: a second HTTP port that answers any GET with an empty 200. It has
// no backend contact, no authentication, no rate limiting, and runs as a
// unit of execution independent from the gateway, so a gateway deadlock
// does not take the liveness signal down with it.
package healthpinger

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is the minimal 200-OK-on-any-GET listener.
type Server struct {
	addr string
	log  *slog.Logger
	srv  *http.Server
}

// New builds a Server bound to addr (e.g. ":8001"). It does not start
// listening until Run is called.
func New(addr string, log *slog.Logger) *Server {
	s := &Server{addr: addr, log: log}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

// Run blocks serving requests until ctx is cancelled, at which point it
// shuts the listener down gracefully. It never contacts the backend, reads
// no request body, and requires no authentication, by design.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("health pinger shutdown error", "error", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

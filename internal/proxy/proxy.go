// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy implements the streaming reverse-proxy engine of spec.md
// §4.5: connect to the loopback backend with a hard timeout, forward the
// request with hop-by-hop headers stripped and the backend credential
// injected, stream the body both ways without buffering it in full, and
// flush Server-Sent Event chunks to the client as they arrive.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// MaxResponseHeaderBytes bounds the backend's response header block
// (spec.md §4.5 step 4); exceeding it aborts the request with a 502.
const MaxResponseHeaderBytes = 65536

// MaxRequestBodyBytes mirrors the ingress cap (spec.md §4.3) so the request
// body is never buffered past it even though it is streamed, not read into
// memory, on the way to the backend.
const MaxRequestBodyBytes = 10 << 20

// hopByHopHeaders are stripped from both directions; Transfer-Encoding is
// reissued by the Go HTTP stack itself, not copied verbatim.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Engine proxies admitted requests to a single loopback backend.
type Engine struct {
	// BackendAddr is the backend's loopback host:port, e.g. "127.0.0.1:9000".
	BackendAddr string
	// BackendCredential is injected as "Bearer <BackendCredential>" on every
	// forwarded request, overwriting whatever the client supplied.
	BackendCredential string
	// ConnectTimeout bounds the TCP handshake to the backend.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the entire backend interaction after connect.
	RequestTimeout time.Duration

	transport *http.Transport
}

// NewEngine builds an Engine with a dedicated http.Transport whose dialer
// enforces ConnectTimeout. The transport keeps idle backend connections for
// reuse by any later request, whatever the client identity -- the backend is
// trusted and local, so connection reuse is a pure performance concern, not
// a safety one.
func NewEngine(backendAddr, backendCredential string, connectTimeout, requestTimeout time.Duration) *Engine {
	e := &Engine{
		BackendAddr:       backendAddr,
		BackendCredential: backendCredential,
		ConnectTimeout:    connectTimeout,
		RequestTimeout:    requestTimeout,
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	e.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, backendAddr)
		},
		MaxResponseHeaderBytes: MaxResponseHeaderBytes,
		DisableCompression:     true,
		ForceAttemptHTTP2:      false,
	}
	return e
}

// Outcome summarizes how a proxied request ended, for access logging and
// metrics. HeadersSent is false whenever the failure happened before any
// bytes reached the client, leaving the caller free to render its own error
// envelope; once HeadersSent is true the status line is already committed
// and the caller must not write anything further.
type Outcome struct {
	Status      int
	BytesSent   int64
	Err         error
	HeadersSent bool
}

// ServeHTTP forwards r to the backend and streams the response back to w.
// The caller is expected to have already admitted the request through the
// concurrency gate; ServeHTTP does not itself enforce any admission policy,
// and it never writes to w on a failure that occurs before headers would be
// sent -- the gateway renders the JSON error envelope for those cases.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) Outcome {
	ctx, cancel := context.WithTimeout(r.Context(), e.RequestTimeout)
	defer cancel()

	outReq, err := e.buildRequest(ctx, r)
	if err != nil {
		return Outcome{Status: http.StatusBadGateway, Err: err}
	}

	client := &http.Client{Transport: e.transport}
	resp, err := client.Do(outReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Status: http.StatusGatewayTimeout, Err: err}
		}
		return Outcome{Status: http.StatusBadGateway, Err: err}
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	streaming := isStreaming(resp)
	w.WriteHeader(resp.StatusCode)

	sent, err := streamBody(w, resp.Body, streaming)
	if err != nil && !isClientDisconnect(err) {
		return Outcome{Status: resp.StatusCode, BytesSent: sent, Err: err, HeadersSent: true}
	}
	return Outcome{Status: resp.StatusCode, BytesSent: sent, HeadersSent: true}
}

// buildRequest constructs the outbound request to the backend: method,
// path, and query are preserved verbatim; the body is wrapped so it is
// streamed rather than buffered, capped at MaxRequestBodyBytes.
func (e *Engine) buildRequest(ctx context.Context, r *http.Request) (*http.Request, error) {
	body := io.LimitReader(r.Body, MaxRequestBodyBytes+1)

	outReq, err := http.NewRequestWithContext(ctx, r.Method, "http://"+e.BackendAddr+r.URL.RequestURI(), body)
	if err != nil {
		return nil, err
	}

	copyForwardHeaders(outReq.Header, r.Header)
	outReq.Header.Set("Authorization", "Bearer "+e.BackendCredential)
	outReq.ContentLength = r.ContentLength
	outReq.Host = r.Host
	return outReq, nil
}

// copyForwardHeaders copies every header except hop-by-hop ones and the
// client's Authorization (replaced by the backend credential in
// buildRequest); it is used for the client->backend direction.
func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) || strings.EqualFold(name, "Authorization") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// copyResponseHeaders copies every backend response header except
// hop-by-hop ones to the client-facing ResponseWriter.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// isStreaming reports whether the backend response should be flushed after
// every chunk, per spec.md §4.5 step 5: event-stream content type or
// chunked transfer encoding. net/http moves Transfer-Encoding out of the
// response headers into resp.TransferEncoding, so that is where it is read.
func isStreaming(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, enc := range resp.TransferEncoding {
		if strings.EqualFold(enc, "chunked") {
			return true
		}
	}
	return false
}

// streamBody copies the backend response to w, flushing after every read
// when streaming is true so SSE chunks reach the client immediately rather
// than waiting for Go's default buffering.
func streamBody(w http.ResponseWriter, body io.Reader, streaming bool) (int64, error) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			if streaming && canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}

func isClientDisconnect(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}

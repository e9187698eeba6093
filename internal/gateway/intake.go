// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"net/http"
	"strconv"
)

// intakeLimits mirrors spec.md §4.3's hard ingress limits, evaluated before
// any body byte is read. The request line and header count/line checks run
// against the already-parsed request -- Go's net/http has parsed the wire
// bytes by the time a handler runs, so these are re-validated against the
// parsed representation rather than intercepted on the raw socket, except
// for MaxHeaderLine/MaxRequestLine which the HTTP server itself also
// enforces via srv.MaxHeaderBytes as a coarser backstop.
type intakeLimits struct {
	maxRequestLine  int
	maxHeaders      int
	maxHeaderLine   int
	maxRequestBody  int
}

// check validates r against the configured limits and returns the HTTP
// status to reject with, or 0 if the request passes.
func (l intakeLimits) check(r *http.Request) (status int, code string) {
	requestLine := len(r.Method) + 1 + len(r.URL.RequestURI()) + 1 + len(r.Proto)
	if requestLine > l.maxRequestLine {
		return http.StatusRequestURITooLong, "request_line_too_long"
	}

	count := 0
	for name, values := range r.Header {
		for _, v := range values {
			count++
			if len(name)+2+len(v) > l.maxHeaderLine {
				return http.StatusRequestHeaderFieldsTooLarge, "header_line_too_long"
			}
		}
	}
	if count > l.maxHeaders {
		return http.StatusRequestHeaderFieldsTooLarge, "too_many_headers"
	}

	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return http.StatusBadRequest, "malformed_content_length"
		}
		if n > int64(l.maxRequestBody) {
			return http.StatusRequestEntityTooLarge, "request_too_large"
		}
	}

	return 0, ""
}

// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"net/http"
	"strings"
)

// corsPolicy implements spec.md §4.3's CORS rules from a comma-separated
// allow-list (or "*"). A zero-value corsPolicy (empty Origins) leaves CORS
// disabled entirely.
type corsPolicy struct {
	origins []string
	star    bool
}

func newCORSPolicy(originsConfig string) corsPolicy {
	if originsConfig == "" {
		return corsPolicy{}
	}
	if strings.TrimSpace(originsConfig) == "*" {
		return corsPolicy{star: true}
	}
	parts := strings.Split(originsConfig, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return corsPolicy{origins: origins}
}

func (c corsPolicy) enabled() bool { return c.star || len(c.origins) > 0 }

func (c corsPolicy) allows(origin string) bool {
	if c.star {
		return true
	}
	for _, o := range c.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// apply injects the configured CORS headers into w for request r, if CORS
// is enabled and the request's Origin is allow-listed (or the policy is
// wildcard). In non-wildcard mode, Vary: Origin is added on every response
// regardless of whether this particular origin is allowed, since the
// response to the same path legitimately differs by Origin (spec.md §4.3).
func (c corsPolicy) apply(w http.ResponseWriter, r *http.Request) {
	if !c.enabled() {
		return
	}
	if !c.star {
		w.Header().Add("Vary", "Origin")
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if c.star {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else if c.allows(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		return
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

// handleOptions answers a CORS preflight with 204 and no body, per
// spec.md §4.3: "OPTIONS returns 204 with the headers above and no body."
func (c corsPolicy) handleOptions(w http.ResponseWriter, r *http.Request) {
	c.apply(w, r)
	w.WriteHeader(http.StatusNoContent)
}

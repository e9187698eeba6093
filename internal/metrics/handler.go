// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns an http.Handler for the /metrics route. JSON is the
// default response; clients that send Accept: text/plain or
// application/openmetrics-text (real Prometheus scrapers, or ?format=text)
// get the standard text exposition format instead (spec.md §4.3).
func (r *Registry) Handler() http.Handler {
	prom := promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if wantsText(req) {
			prom.ServeHTTP(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}

func wantsText(req *http.Request) bool {
	if req.URL.Query().Get("format") == "text" {
		return true
	}
	accept := req.Header.Get("Accept")
	return strings.Contains(accept, "text/plain") || strings.Contains(accept, "application/openmetrics-text")
}

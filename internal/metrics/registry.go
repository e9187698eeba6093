// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics implements the process-wide MetricsRegistry of spec.md
// §3: monotone counters and point-in-time gauges, backed by plain atomics
// so the hot request path never takes a lock to record an observation.
// The same values are exposed through content negotiation as either a
// bespoke JSON document or the Prometheus text exposition format.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter and gauge named in spec.md §3. All fields
// are safe for concurrent use; counters only ever increase.
type Registry struct {
	started time.Time

	requestsTotal          atomic.Int64
	requestsSuccess        atomic.Int64
	requestsError          atomic.Int64
	requestsAuthenticated  atomic.Int64
	requestsUnauthorized   atomic.Int64
	bytesSent              atomic.Int64
	queueRejections        atomic.Int64
	queueWaitSecondsTotal  atomic.Int64 // stored as nanoseconds, reported in seconds
	requestsActive         atomic.Int64
	queueDepth             atomic.Int64

	promRegistry *prometheus.Registry
}

// New constructs a Registry and registers its counters/gauges as
// CounterFunc/GaugeFunc collectors on a private Prometheus registry, so the
// atomics declared above remain the single source of truth (spec.md §3:
// "single writer per counter via atomics") while still being exposable
// through promhttp for the text-exposition branch of /metrics.
func New() *Registry {
	r := &Registry{started: time.Now(), promRegistry: prometheus.NewRegistry()}

	counter := func(name, help string, get func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(get())
		})
	}
	gauge := func(name, help string, get func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(get())
		})
	}

	r.promRegistry.MustRegister(
		counter("requests_total", "Total requests received.", r.requestsTotal.Load),
		counter("requests_success", "Requests that completed successfully.", r.requestsSuccess.Load),
		counter("requests_error", "Requests that failed.", r.requestsError.Load),
		counter("requests_authenticated", "Requests that passed authentication.", r.requestsAuthenticated.Load),
		counter("requests_unauthorized", "Requests rejected by authentication.", r.requestsUnauthorized.Load),
		counter("bytes_sent", "Total response bytes streamed to clients.", r.bytesSent.Load),
		counter("queue_rejections", "Admissions rejected because the wait queue was full.", r.queueRejections.Load),
		counter("queue_wait_seconds_total", "Cumulative time requests spent queued, in seconds.", func() int64 {
			return int64(time.Duration(r.queueWaitSecondsTotal.Load()).Seconds())
		}),
		gauge("requests_active", "Requests currently proxied.", r.requestsActive.Load),
		gauge("queue_depth", "Requests currently queued for admission.", r.queueDepth.Load),
		gauge("uptime_seconds", "Seconds since process start.", func() int64 {
			return int64(time.Since(r.started).Seconds())
		}),
	)
	return r
}

// IncRequestsTotal, et al. are the narrow write surface request handlers
// use; no other mutation path exists.
func (r *Registry) IncRequestsTotal()         { r.requestsTotal.Add(1) }
func (r *Registry) IncRequestsSuccess()       { r.requestsSuccess.Add(1) }
func (r *Registry) IncRequestsError()         { r.requestsError.Add(1) }
func (r *Registry) IncRequestsAuthenticated() { r.requestsAuthenticated.Add(1) }
func (r *Registry) IncRequestsUnauthorized()  { r.requestsUnauthorized.Add(1) }
func (r *Registry) AddBytesSent(n int64)      { r.bytesSent.Add(n) }
func (r *Registry) IncQueueRejections()       { r.queueRejections.Add(1) }
func (r *Registry) AddQueueWait(d time.Duration) {
	r.queueWaitSecondsTotal.Add(int64(d))
}
func (r *Registry) IncRequestsActive() { r.requestsActive.Add(1) }
func (r *Registry) DecRequestsActive() { r.requestsActive.Add(-1) }
func (r *Registry) IncQueueDepth()     { r.queueDepth.Add(1) }
func (r *Registry) DecQueueDepth()     { r.queueDepth.Add(-1) }

// Snapshot is a read-only, point-in-time copy used to render /health and
// /metrics. Cross-field consistency is not guaranteed (spec.md §5), only
// per-field monotonicity.
type Snapshot struct {
	RequestsTotal          int64   `json:"requests_total"`
	RequestsSuccess        int64   `json:"requests_success"`
	RequestsError          int64   `json:"requests_error"`
	RequestsAuthenticated  int64   `json:"requests_authenticated"`
	RequestsUnauthorized   int64   `json:"requests_unauthorized"`
	BytesSent              int64   `json:"bytes_sent"`
	QueueRejections        int64   `json:"queue_rejections"`
	QueueWaitSecondsTotal  float64 `json:"queue_wait_seconds_total"`
	RequestsActive         int64   `json:"requests_active"`
	QueueDepth             int64   `json:"queue_depth"`
	UptimeSeconds          float64 `json:"uptime_seconds"`
}

// Snapshot reads every value once. Individual fields are consistent with
// themselves but not necessarily with each other (no global lock).
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:         r.requestsTotal.Load(),
		RequestsSuccess:       r.requestsSuccess.Load(),
		RequestsError:         r.requestsError.Load(),
		RequestsAuthenticated: r.requestsAuthenticated.Load(),
		RequestsUnauthorized:  r.requestsUnauthorized.Load(),
		BytesSent:             r.bytesSent.Load(),
		QueueRejections:       r.queueRejections.Load(),
		QueueWaitSecondsTotal: time.Duration(r.queueWaitSecondsTotal.Load()).Seconds(),
		RequestsActive:        r.requestsActive.Load(),
		QueueDepth:            r.queueDepth.Load(),
		UptimeSeconds:         time.Since(r.started).Seconds(),
	}
}

// PrometheusGatherer exposes the private registry for promhttp wiring.
func (r *Registry) PrometheusGatherer() prometheus.Gatherer {
	return r.promRegistry
}

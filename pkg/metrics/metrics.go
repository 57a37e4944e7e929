// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy. The
// event loop updates these from a single thread; the scrape endpoint reads
// them from the metrics HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	ConnectionErrors  *prometheus.CounterVec
	IdleClosed        prometheus.Counter

	// Forwarding metrics
	BytesTransferred *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	ErrorResponses  *prometheus.CounterVec
	KeepAliveReuse  prometheus.Counter
	RequestDuration prometheus.Histogram

	// Rejection metrics
	PoolExhausted  prometheus.Counter
	RateLimited    prometheus.Counter
	DialFailures   prometheus.Counter
	CircuitRefused prometheus.Counter

	// Loop metrics
	EventsPerWait prometheus.Histogram
}

// New creates a Metrics instance registered on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "eproxy"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections by role",
			},
			[]string{"role"},
		),
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active connections by role",
			},
			[]string{"role"},
		),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connection errors",
			},
			[]string{"kind"},
		),
		IdleClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idle_closed_total",
				Help:      "Connections closed by the idle sweep",
			},
		),
		BytesTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Bytes moved through the proxy by direction",
			},
			[]string{"direction"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "HTTP requests processed by method and outcome",
			},
			[]string{"method", "status"},
		),
		ErrorResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "error_responses_total",
				Help:      "Error responses emitted by the proxy itself",
			},
			[]string{"code"},
		),
		KeepAliveReuse: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keep_alive_reuse_total",
				Help:      "Requests dispatched on a reused keep-alive client connection",
			},
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from complete request head to response flushed",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PoolExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Accepts rejected because no slot was available",
			},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Accepts rejected by the rate limiter",
			},
		),
		DialFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dial_failures_total",
				Help:      "Backend connects that failed",
			},
		),
		CircuitRefused: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_refused_total",
				Help:      "Backend connects refused by the open circuit breaker",
			},
		),
		EventsPerWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "events_per_wait",
				Help:      "Ready events delivered per wake-up",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
		),
	}
}

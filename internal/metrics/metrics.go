// Package metrics exposes the custody server's Prometheus instruments on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets spans a local cache hit up to a slow provider refresh.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the instruments. A nil *Metrics is valid and records
// nothing, so components take one as an optional dependency.
type Metrics struct {
	RequestLatency       *prometheus.HistogramVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestsInFlight prometheus.Gauge
	ErrorCounter         *prometheus.CounterVec

	// CustodyOperations counts store and delete calls by result.
	CustodyOperations *prometheus.CounterVec
	// Resolutions counts token resolutions by provider and outcome.
	Resolutions *prometheus.CounterVec
	// ProviderRequests counts calls to identity provider and mail endpoints.
	ProviderRequests *prometheus.CounterVec
	// RateLimitDecisions counts limiter verdicts per endpoint.
	RateLimitDecisions *prometheus.CounterVec
	// RateLimitWindows tracks live limiter windows.
	RateLimitWindows prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics builds every instrument under namespace and registers them,
// together with the Go runtime collector, on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency in seconds by route.",
			Buckets:   latencyBuckets,
		}, []string{"route", "method", "status"}),
		HTTPRequestsTotal:    counter("http_requests_total", "HTTP requests by route, method and status.", "route", "method", "status"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "HTTP requests currently being served."),
		ErrorCounter:         counter("errors_total", "Error responses by kind.", "type", "route", "method"),
		CustodyOperations:    counter("custody_operations_total", "Custody store and delete operations by result.", "operation", "status"),
		Resolutions:          counter("resolutions_total", "Token resolutions by provider and outcome.", "provider", "outcome"),
		ProviderRequests:     counter("provider_requests_total", "Requests sent to provider endpoints.", "provider", "operation", "status"),
		RateLimitDecisions:   counter("rate_limit_decisions_total", "Rate limiter decisions by endpoint.", "endpoint", "decision"),
		RateLimitWindows:     gauge("rate_limit_windows", "Live rate limiter windows."),
		registry:             prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.CustodyOperations,
		m.Resolutions,
		m.ProviderRequests,
		m.RateLimitDecisions,
		m.RateLimitWindows,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for Gather in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordRequestLatency(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(route, method, status).Observe(seconds)
}

func (m *Metrics) RecordHTTPRequest(route, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
}

func (m *Metrics) IncHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

func (m *Metrics) DecHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}

// RecordError counts an error response. kind is one of the API error
// classes such as "validation" or "relink_required".
func (m *Metrics) RecordError(kind, route, method string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(kind, route, method).Inc()
}

func (m *Metrics) RecordCustody(operation, status string) {
	if m == nil {
		return
	}
	m.CustodyOperations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordResolution(provider, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordProviderRequest(provider, operation, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, operation, status).Inc()
}

// RecordRateLimit records a limiter decision, "allowed" or "denied".
func (m *Metrics) RecordRateLimit(endpoint, decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(endpoint, decision).Inc()
}

func (m *Metrics) SetRateLimitWindows(n int) {
	if m == nil {
		return
	}
	m.RateLimitWindows.Set(float64(n))
}

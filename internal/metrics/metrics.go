// Package metrics provides Prometheus instrumentation for the targeting
// service.
//
// All collectors are registered in a custom [prometheus.Registry] (not the
// global default) so that only this service's metrics appear on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the targeting service.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	TargetingUpdates    *prometheus.CounterVec
	OracleEvaluations   *prometheus.CounterVec
	EditableFlags       prometheus.Gauge
	RateLimitedTotal    prometheus.Counter
}

// New creates and registers all collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsapi_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsapi_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		TargetingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsapi_targeting_updates_total",
			Help: "Total number of allow-list update attempts by outcome.",
		}, []string{"result"}),

		OracleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsapi_oracle_evaluations_total",
			Help: "Total number of preview-mode flag evaluations by outcome.",
		}, []string{"outcome"}),

		EditableFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsapi_editable_flags",
			Help: "Size of the editable-flag set reported by the last oracle consultation.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsapi_rate_limited_requests_total",
			Help: "Total number of write requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TargetingUpdates,
		m.OracleEvaluations,
		m.EditableFlags,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUpdate increments the targeting update counter with the given result.
func (m *Metrics) RecordUpdate(result string) {
	m.TargetingUpdates.WithLabelValues(result).Inc()
}

// RecordOracleOutcome increments the oracle evaluation counter.
func (m *Metrics) RecordOracleOutcome(outcome string) {
	m.OracleEvaluations.WithLabelValues(outcome).Inc()
}

// SetEditableFlags updates the editable-flag gauge.
func (m *Metrics) SetEditableFlags(count int) {
	m.EditableFlags.Set(float64(count))
}

// IncRateLimited increments the rate-limited request counter.
func (m *Metrics) IncRateLimited() {
	m.RateLimitedTotal.Inc()
}

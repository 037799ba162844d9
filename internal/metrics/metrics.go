// Package metrics provides Prometheus instrumentation for the beacon server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only beacon metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the beacon server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal        *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
	CacheInvalidations       prometheus.Counter
	FlagEvaluationsTotal     *prometheus.CounterVec
	ExperimentDecisionsTotal *prometheus.CounterVec
	AuthFailuresTotal        prometheus.Counter
}

// New creates and registers all beacon metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered definition cache invalidations.",
		}),

		FlagEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_flag_evaluations_total",
			Help: "Total number of flag evaluations by decision source.",
		}, []string{"source"}),

		ExperimentDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_experiment_decisions_total",
			Help: "Total number of experiment decisions by eligibility.",
		}, []string{"eligible"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheInvalidations,
		m.FlagEvaluationsTotal,
		m.ExperimentDecisionsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency per route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(wrapped.statusCode)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// RecordFlagEvaluation increments the evaluation counter for a decision
// source (disabled, forced, rule, rollout).
func (m *Metrics) RecordFlagEvaluation(source string) {
	m.FlagEvaluationsTotal.WithLabelValues(source).Inc()
}

// RecordExperimentDecision increments the experiment decision counter.
func (m *Metrics) RecordExperimentDecision(eligible bool) {
	m.ExperimentDecisionsTotal.WithLabelValues(strconv.FormatBool(eligible)).Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncAuthFailures increments the failed authentication counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

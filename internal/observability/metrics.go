// Package observability provides Prometheus metrics for the bridge.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Request metrics
	RequestsTotal     *prometheus.CounterVec
	EngineLatency     *prometheus.HistogramVec
	UnsupportedParams *prometheus.CounterVec
	InFlight          prometheus.Gauge

	// Delivery metrics
	CallbacksDelivered *prometheus.CounterVec

	// Signal metrics
	SignalsEmitted *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tsdv"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Data requests by dispatch path and outcome",
		}, []string{"path", "outcome"}),
		EngineLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "engine_query_duration_seconds",
			Help:      "Data engine query latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"path"}),
		UnsupportedParams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "unsupported_params_total",
			Help:      "Unrecognized query parameters skipped during parsing",
		}, []string{"key"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "async_in_flight",
			Help:      "Asynchronous requests waiting on the engine",
		}),
		CallbacksDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "callbacks_delivered_total",
			Help:      "Callback invocations delivered to the chart surface",
		}, []string{"kind"}),
		SignalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "emitted_total",
			Help:      "Signals emitted, by whether a listener received them",
		}, []string{"delivered"}),
		registry: reg,
	}
}

// RequestCompleted records the outcome of one data request
func (m *Metrics) RequestCompleted(path, outcome string, engineTime time.Duration) {
	m.RequestsTotal.WithLabelValues(path, outcome).Inc()
	if engineTime > 0 {
		m.EngineLatency.WithLabelValues(path).Observe(engineTime.Seconds())
	}
}

// UnsupportedParam records a skipped query parameter
func (m *Metrics) UnsupportedParam(key string) {
	m.UnsupportedParams.WithLabelValues(key).Inc()
}

// AsyncStarted tracks an asynchronous request entering the engine stage
func (m *Metrics) AsyncStarted() {
	m.InFlight.Inc()
}

// AsyncFinished tracks an asynchronous request leaving the engine stage
func (m *Metrics) AsyncFinished() {
	m.InFlight.Dec()
}

// CallbackDelivered records one delivered invocation
func (m *Metrics) CallbackDelivered(success bool) {
	kind := "error"
	if success {
		kind = "success"
	}
	m.CallbacksDelivered.WithLabelValues(kind).Inc()
}

// SignalEmitted records one emitted signal
func (m *Metrics) SignalEmitted(_ string, delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	m.SignalsEmitted.WithLabelValues(label).Inc()
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus collectors for the HTTP surface and the
// inference pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "defect"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	analyses    *prometheus.CounterVec
	inference   prometheus.Histogram
	modelState  *prometheus.GaugeVec
	inflight    prometheus.Gauge
	knownStates []string
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer, states ...string) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"},
		),
		analyses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Image analyses by outcome",
			}, []string{"outcome"},
		),
		inference: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Duration of preprocessing plus forward pass",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		modelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_state",
				Help:      "1 for the current model lifecycle state, 0 otherwise",
			}, []string{"state"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inference_inflight",
				Help:      "Forward passes currently running",
			},
		),
		knownStates: states,
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration, m.analyses, m.inference, m.modelState, m.inflight} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(path, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(path).Observe(elapsed.Seconds())
}

// ObserveAnalysis records the outcome ("defective", "good", "not_ready",
// "failed") of one analysis and, when it ran, its duration.
func (m *Metrics) ObserveAnalysis(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.inference.Observe(elapsed.Seconds())
	}
}

// InflightAdd moves the in-flight gauge by delta.
func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

// SetModelState marks state as current and every other known state as not.
func (m *Metrics) SetModelState(state string) {
	if m == nil {
		return
	}
	for _, s := range m.knownStates {
		if s != state {
			m.modelState.WithLabelValues(s).Set(0)
		}
	}
	m.modelState.WithLabelValues(state).Set(1)
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequestAndAnalysis(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveRequest("/analyze", "POST", 200, 10*time.Millisecond)
	m.ObserveRequest("/analyze", "POST", 200, 10*time.Millisecond)
	m.ObserveRequest("/analyze", "POST", 503, time.Millisecond)
	m.ObserveAnalysis("defective", 5*time.Millisecond)
	m.ObserveAnalysis("not_ready", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/analyze", "POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/analyze", "POST", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.analyses.WithLabelValues("defective")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.inference))
}

func TestSetModelStateIsExclusive(t *testing.T) {
	m, err := New(nil, "not_loaded", "loading", "ready", "failed")
	require.NoError(t, err)

	m.SetModelState("loading")
	m.SetModelState("ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelState.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.modelState.WithLabelValues("loading")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.modelState.WithLabelValues("failed")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("/health", "GET", 200, time.Millisecond)
		m.ObserveAnalysis("good", time.Millisecond)
		m.InflightAdd(1)
		m.SetModelState("ready")
	})
}

package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

// TestMetrics is a private Prometheus registry served over HTTP
type TestMetrics struct {
	t        *testing.T
	server   *TestHTTPServer
	Registry *prometheus.Registry
}

// NewTestMetrics creates a new test metrics registry and server
func NewTestMetrics(t *testing.T) *TestMetrics {
	registry := prometheus.NewRegistry()
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return &TestMetrics{
		t:        t,
		server:   NewTestHTTPServer(t, handler),
		Registry: registry,
	}
}

// URL returns the metrics server URL
func (m *TestMetrics) URL() string {
	return m.server.URL()
}

// GetMetric returns the value of the gauge, counter or histogram sample
// count named name whose labels include every pair in labels
func (m *TestMetrics) GetMetric(name string, labels ...string) (float64, error) {
	if len(labels)%2 != 0 {
		return 0, fmt.Errorf("labels must be key/value pairs")
	}
	families, err := m.Registry.Gather()
	if err != nil {
		return 0, err
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			have := make(map[string]string)
			for _, pair := range metric.GetLabel() {
				have[pair.GetName()] = pair.GetValue()
			}
			for i := 0; i < len(labels); i += 2 {
				if have[labels[i]] != labels[i+1] {
					continue metrics
				}
			}
			switch {
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue(), nil
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue(), nil
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount()), nil
			}
		}
	}
	return 0, fmt.Errorf("metric not found: %s %v", name, labels)
}

// RequireMetricEquals asserts that a metric equals an expected value
func (m *TestMetrics) RequireMetricEquals(name string, expected float64, labels ...string) {
	m.t.Helper()
	value, err := m.GetMetric(name, labels...)
	require.NoError(m.t, err)
	require.Equal(m.t, expected, value, "metric %s", name)
}

// WaitForMetric waits for a metric to equal an expected value
func (m *TestMetrics) WaitForMetric(name string, expected float64, timeout time.Duration, labels ...string) {
	m.t.Helper()
	RequireEventually(m.t, func() bool {
		value, err := m.GetMetric(name, labels...)
		return err == nil && value == expected
	}, timeout, "metric %s never reached %v", name, expected)
}

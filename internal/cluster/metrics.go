package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the observer
type Metrics struct {
	KnownNodes         prometheus.Gauge
	RunningNodes       prometheus.Gauge
	ChannelState       prometheus.Gauge
	ReconnectAttempts  prometheus.Counter
	ChannelExhaustions prometheus.Counter
	LogLines           *prometheus.CounterVec
	SnapshotsApplied   *prometheus.CounterVec
	RefreshFailures    *prometheus.CounterVec
	ProbeDuration      prometheus.Histogram
	LedgerLength       prometheus.Gauge

	registerer prometheus.Registerer
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		KnownNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerwatch_known_nodes",
			Help: "Number of nodes in the current registry snapshot",
		}),
		RunningNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerwatch_running_nodes",
			Help: "Number of nodes whose last probe succeeded",
		}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerwatch_channel_state",
			Help: "Live channel state (0 disconnected, 1 connecting, 2 connected)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerwatch_channel_reconnect_attempts_total",
			Help: "Reconnect attempts made by the live channel",
		}),
		ChannelExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerwatch_channel_exhaustions_total",
			Help: "Times the live channel gave up reconnecting",
		}),
		LogLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerwatch_log_lines_total",
			Help: "Live log lines applied, by origin kind",
		}, []string{"origin"}),
		SnapshotsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerwatch_log_snapshots_total",
			Help: "Log snapshots applied, by origin kind",
		}, []string{"origin"}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerwatch_refresh_failures_total",
			Help: "Failed refreshes, by source",
		}, []string{"source"}),
		ProbeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerwatch_probe_duration_seconds",
			Help:    "Duration of node status probes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledgerwatch_ledger_blocks",
			Help: "Number of blocks in the last fetched ledger",
		}),
		registerer: reg,
	}

	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, registered := range m.collectors()[:i] {
				reg.Unregister(registered)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.KnownNodes,
		m.RunningNodes,
		m.ChannelState,
		m.ReconnectAttempts,
		m.ChannelExhaustions,
		m.LogLines,
		m.SnapshotsApplied,
		m.RefreshFailures,
		m.ProbeDuration,
		m.LedgerLength,
	}
}

// Close unregisters all metrics
func (m *Metrics) Close() {
	if m.registerer == nil {
		return
	}
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
}

func originLabel(isCoordinator bool) string {
	if isCoordinator {
		return "coordinator"
	}
	return "node"
}

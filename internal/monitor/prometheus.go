package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the gateway's Prometheus metrics on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TunnelsTotal   *prometheus.CounterVec   // protocol, result
	ActiveTunnels  *prometheus.GaugeVec     // protocol
	BytesUp        *prometheus.CounterVec   // protocol
	BytesDown      *prometheus.CounterVec   // protocol
	PhaseSeconds   *prometheus.HistogramVec // phase
	DNSPending     *prometheus.GaugeVec     // upstream
	RuleSetSize    *prometheus.GaugeVec     // source
	RuleSetStale   *prometheus.GaugeVec     // source
	ProcessMemory  prometheus.Gauge
	ProcessCPU     prometheus.Gauge
	ProcessOpenFDs prometheus.Gauge

	monitor *Monitor
}

// NewMetrics creates and registers the gateway metrics. mon may be nil,
// in which case process gauges stay at zero.
func NewMetrics(mon *Monitor) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{Registry: registry, monitor: mon}

	m.TunnelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelgateway_tunnels_total",
		Help: "Tunnels by front-end protocol and result code",
	}, []string{"protocol", "result"})

	m.ActiveTunnels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnelgateway_active_tunnels",
		Help: "Connections currently being served",
	}, []string{"protocol"})

	m.BytesUp = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelgateway_bytes_up_total",
		Help: "Bytes relayed from clients to outbounds",
	}, []string{"protocol"})

	m.BytesDown = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunnelgateway_bytes_down_total",
		Help: "Bytes relayed from outbounds to clients",
	}, []string{"protocol"})

	m.PhaseSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tunnelgateway_phase_seconds",
		Help:    "Duration of connection phases: request, dns, connect, handshake",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"phase"})

	m.DNSPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnelgateway_dns_pending_queries",
		Help: "Forwarded DNS queries awaiting an upstream response",
	}, []string{"upstream"})

	m.RuleSetSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnelgateway_rule_set_rules",
		Help: "Rules in the currently published set",
	}, []string{"source"})

	m.RuleSetStale = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tunnelgateway_rule_set_stale",
		Help: "1 when the set was loaded from cache after a failed download",
	}, []string{"source"})

	m.ProcessMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelgateway_process_memory_bytes",
		Help: "Process resident memory in bytes",
	})
	m.ProcessCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelgateway_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})
	m.ProcessOpenFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnelgateway_process_open_fds",
		Help: "Open file descriptors",
	})

	registry.MustRegister(
		m.TunnelsTotal, m.ActiveTunnels, m.BytesUp, m.BytesDown, m.PhaseSeconds,
		m.DNSPending, m.RuleSetSize, m.RuleSetStale,
		m.ProcessMemory, m.ProcessCPU, m.ProcessOpenFDs,
		collectors.NewGoCollector(),
	)
	return m
}

// Update refreshes the process gauges.
func (m *Metrics) Update() {
	if m.monitor == nil {
		return
	}
	info, err := m.monitor.GetProcessInfo()
	if err != nil {
		return
	}
	m.ProcessMemory.Set(float64(info.MemoryBytes))
	m.ProcessCPU.Set(info.CPUPercent)
	m.ProcessOpenFDs.Set(float64(info.OpenFDs))
}

// TrackConn counts a connection as active until the returned func runs.
func (m *Metrics) TrackConn(protocol string) func() {
	g := m.ActiveTunnels.WithLabelValues(protocol)
	g.Inc()
	return g.Dec
}

// SetRuleSet publishes the size and staleness of one rule source.
func (m *Metrics) SetRuleSet(source string, rules int, stale bool) {
	m.RuleSetSize.WithLabelValues(source).Set(float64(rules))
	v := 0.0
	if stale {
		v = 1
	}
	m.RuleSetStale.WithLabelValues(source).Set(v)
}

// SetDNSPending publishes the pending query count of one upstream.
func (m *Metrics) SetDNSPending(upstream string, n int) {
	m.DNSPending.WithLabelValues(upstream).Set(float64(n))
}

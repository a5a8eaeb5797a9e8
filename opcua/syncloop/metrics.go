package syncloop

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semstreams-opcua/metric"
)

// Metrics are the Prometheus series of one loop. A nil *Metrics records
// nothing.
type Metrics struct {
	ticks        prometheus.Counter
	tickDuration prometheus.Histogram
	columns      prometheus.Counter
	nodesCreated *prometheus.CounterVec
	writes       *prometheus.CounterVec
	conflicts    prometheus.Counter
	components   prometheus.Gauge
	variables    prometheus.Gauge

	registry *metric.MetricsRegistry
	service  string
	names    []string
}

// NewMetrics registers the loop metrics for the bridge instance in registry.
// A nil registry yields nil metrics.
func NewMetrics(registry *metric.MetricsRegistry, instance string) (m *Metrics, err error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"instance": instance}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "semstreams", Subsystem: "opcua", Name: name, Help: help, ConstLabels: labels}
	}

	m = &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts(opts("ticks_total", "Synchronization ticks completed"))),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "semstreams",
			Subsystem:   "opcua",
			Name:        "tick_duration_seconds",
			Help:        "Duration of one synchronization tick",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		columns:      prometheus.NewCounter(prometheus.CounterOpts(opts("columns_processed_total", "Columns processed across all ticks"))),
		nodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts(opts("nodes_created_total", "Nodes added to the address space")), []string{"kind"}),
		writes:       prometheus.NewCounterVec(prometheus.CounterOpts(opts("value_writes_total", "Variable value writes by outcome")), []string{"status"}),
		conflicts:    prometheus.NewCounter(prometheus.CounterOpts(opts("node_conflicts_total", "Node identifier conflicts"))),
		components:   prometheus.NewGauge(prometheus.GaugeOpts(opts("components", "Component objects in the address space"))),
		variables:    prometheus.NewGauge(prometheus.GaugeOpts(opts("variables", "Variables in the address space"))),
	}

	m.registry, m.service = registry, "opcua."+instance
	for _, c := range []struct {
		name string
		reg  func(service, name string) error
	}{
		{"ticks_total", func(s, n string) error { return registry.RegisterCounter(s, n, m.ticks) }},
		{"tick_duration_seconds", func(s, n string) error { return registry.RegisterHistogram(s, n, m.tickDuration) }},
		{"columns_processed_total", func(s, n string) error { return registry.RegisterCounter(s, n, m.columns) }},
		{"nodes_created_total", func(s, n string) error { return registry.RegisterCounterVec(s, n, m.nodesCreated) }},
		{"value_writes_total", func(s, n string) error { return registry.RegisterCounterVec(s, n, m.writes) }},
		{"node_conflicts_total", func(s, n string) error { return registry.RegisterCounter(s, n, m.conflicts) }},
		{"components", func(s, n string) error { return registry.RegisterGauge(s, n, m.components) }},
		{"variables", func(s, n string) error { return registry.RegisterGauge(s, n, m.variables) }},
	} {
		if err = c.reg(m.service, c.name); err != nil {
			m.Unregister()
			return nil, err
		}
		m.names = append(m.names, c.name)
	}
	return m, nil
}

// Unregister removes the series this Metrics registered so that a new loop
// for the same instance can register them again.
func (m *Metrics) Unregister() {
	if m == nil || m.registry == nil {
		return
	}
	for _, name := range m.names {
		m.registry.Unregister(m.service, name)
	}
	m.names = nil
}

func (m *Metrics) observe(s TickStats, components, variables int) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(s.Duration.Seconds())
	m.columns.Add(float64(s.Columns))
	m.nodesCreated.WithLabelValues("component").Add(float64(s.ComponentsCreated))
	m.nodesCreated.WithLabelValues("variable").Add(float64(s.VariablesCreated))
	m.writes.WithLabelValues("ok").Add(float64(s.Writes))
	m.writes.WithLabelValues("dropped").Add(float64(s.Dropped))
	m.writes.WithLabelValues("mismatch").Add(float64(s.Mismatches))
	m.conflicts.Add(float64(s.Conflicts))
	m.components.Set(float64(components))
	m.variables.Set(float64(variables))
}

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics (not component specific)
type Metrics struct {
	ServiceStatus  *prometheus.GaugeVec
	ErrorsTotal    *prometheus.CounterVec
	HealthStatus   *prometheus.GaugeVec
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
	NATSCircuit    prometheus.Gauge
}

// NewMetrics creates the platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semstreams",
			Subsystem: "component",
			Name:      "status",
			Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"component"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semstreams",
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of errors by component and class",
		}, []string{"component", "class"}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semstreams",
			Subsystem: "health",
			Name:      "status",
			Help:      "Health check status (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semstreams",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semstreams",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semstreams",
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.ServiceStatus, m.ErrorsTotal, m.HealthStatus, m.NATSConnected, m.NATSReconnects, m.NATSCircuit}
}

// RecordServiceStatus updates the status gauge of a component
func (m *Metrics) RecordServiceStatus(component string, status int) {
	m.ServiceStatus.WithLabelValues(component).Set(float64(status))
}

// RecordError counts an error of the given class
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealth updates the health gauge of a component
func (m *Metrics) RecordHealth(component string, level int) {
	m.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	m.NATSCircuit.Set(float64(state))
}

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/component"
)

func TestFromComponentHealth(t *testing.T) {
	tests := []struct {
		name  string
		in    component.HealthStatus
		state string
	}{
		{"healthy", component.HealthStatus{Healthy: true}, StateHealthy},
		{"degraded", component.HealthStatus{Healthy: true, Degraded: true}, StateDegraded},
		{"unhealthy wins over degraded", component.HealthStatus{Healthy: false, Degraded: true}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromComponentHealth("opcua", tt.in)
			assert.Equal(t, tt.state, s.Status)
			assert.Equal(t, tt.state == StateHealthy, s.Healthy)
			require.NotNil(t, s.Metrics)
		})
	}
}

func TestFromComponentHealth_SanitizesLastError(t *testing.T) {
	s := FromComponentHealth("opcua", component.HealthStatus{
		Healthy:    false,
		ErrorCount: 3,
		LastError:  "dial opc.tcp://10.0.0.4:4840 failed; load /etc/opcua/server.key: password=hunter2",
		Uptime:     time.Minute,
	})

	assert.NotContains(t, s.Message, "10.0.0.4")
	assert.NotContains(t, s.Message, "/etc/opcua")
	assert.NotContains(t, s.Message, "hunter2")
	assert.Contains(t, s.Message, "[URL]")
	assert.Equal(t, 3, s.Metrics.ErrorCount)
	assert.Equal(t, time.Minute, s.Metrics.Uptime)
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())

	healthy := NewHealthy("a", "ok")
	degraded := NewDegraded("b", "conflicts")
	unhealthy := NewUnhealthy("c", "down")

	assert.True(t, Aggregate("sys", []Status{healthy, healthy}).IsHealthy())
	assert.True(t, Aggregate("sys", []Status{healthy, degraded}).IsDegraded())

	agg := Aggregate("sys", []Status{degraded, unhealthy})
	assert.True(t, agg.IsUnhealthy())
	assert.False(t, agg.Healthy)
	assert.Len(t, agg.SubStatuses, 2)
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Update("opcua", NewHealthy("ignored", "running"))
	m.Update("column-generator", Status{Status: StateDegraded})

	got, ok := m.Get("opcua")
	require.True(t, ok)
	assert.Equal(t, "opcua", got.Component)

	gen, ok := m.Get("column-generator")
	require.True(t, ok)
	assert.False(t, gen.Timestamp.IsZero())

	agg := m.AggregateHealth("semstreams-opcua")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "column-generator", agg.SubStatuses[0].Component)

	m.Remove("column-generator")
	assert.True(t, m.AggregateHealth("semstreams-opcua").IsHealthy())
}

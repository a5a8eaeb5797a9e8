package generator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/testutil"
)

func TestSamples(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	samples := Samples("gen", 3, ts)
	require.Len(t, samples, 13)

	byField := make(map[string]column.Sample, len(samples))
	for _, s := range samples {
		assert.Equal(t, "gen", s.SourceName)
		assert.Equal(t, ts, s.Timestamp)
		byField[s.FieldName] = s
	}

	assert.Equal(t, true, byField["bool"].Value)
	assert.Equal(t, int8(3), byField["int8"].Value)
	assert.Equal(t, uint64(3), byField["uint64"].Value)
	assert.Equal(t, float32(3.123), byField["float"].Value)
	assert.Equal(t, 3.123, byField["double"].Value)
	assert.Equal(t, "3", byField["str"].Value)
	assert.Equal(t, []byte("3"), byField["bin"].Value)
	assert.Equal(t, column.Binary, byField["bin"].Kind)
}

func TestSamples_WrapAndNegative(t *testing.T) {
	byField := func(samples []column.Sample) map[string]any {
		m := make(map[string]any)
		for _, s := range samples {
			m[s.FieldName] = s.Value
		}
		return m
	}

	wrapped := byField(Samples("gen", 300, time.Now()))
	assert.Equal(t, int8(44), wrapped["int8"])
	assert.Equal(t, uint8(44), wrapped["uint8"])
	assert.Equal(t, int16(300), wrapped["int16"])
	assert.Equal(t, false, wrapped["bool"])

	negative := Samples("gen", -2, time.Now())
	assert.Len(t, negative, 9, "unsigned columns are skipped")
	assert.NotContains(t, byField(negative), "uint8")
	assert.Equal(t, "-2", byField(negative)["str"])
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.IntervalMs = 0 }},
		{"dotted source", func(c *Config) { c.Source = "line.a" }},
		{"wildcard source", func(c *Config) { c.Source = "*" }},
		{"empty prefix", func(c *Config) { c.SubjectPrefix = "" }},
		{"wildcard prefix", func(c *Config) { c.SubjectPrefix = "columns.>" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
		})
	}
}

func TestGenerator_Tick(t *testing.T) {
	pub := testutil.NewMockPublisher()
	cfg := DefaultConfig()
	cfg.Source = "lineA"
	cfg.Diff = 5

	g, err := New(cfg, pub, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, g.DataFlow().LastActivity.IsZero())
	g.Tick(ctx, time.Now())
	g.Tick(ctx, time.Now())

	last := g.DataFlow().LastActivity
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)
	assert.Zero(t, last.Nanosecond()%int(time.Millisecond), "activity is kept in epoch milliseconds")

	msgs := pub.Messages("columns.lineA.int32")
	require.Len(t, msgs, 2)
	second, err := column.DecodeSample(msgs[1])
	require.NoError(t, err)
	assert.Equal(t, int32(5), second.Value)
	assert.Len(t, pub.Subjects(), 13)
	assert.Equal(t, int64(26), g.published.Load())
}

func TestGenerator_Lifecycle(t *testing.T) {
	pub := testutil.NewMockPublisher()
	cfg := DefaultConfig()
	cfg.IntervalMs = 10

	g, err := New(cfg, pub, nil)
	require.NoError(t, err)
	g.registry = metric.NewMetricsRegistry()

	require.NoError(t, g.Initialize())
	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), errors.ErrAlreadyStarted)

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return len(pub.Messages("columns.generator.double")) >= 3
	}, "three passes")
	assert.True(t, g.Health().Healthy)
	assert.Greater(t, g.DataFlow().MessagesPerSecond, 0.0)

	require.NoError(t, g.Stop(time.Second))
	assert.False(t, g.Health().Healthy)
	require.NoError(t, g.Stop(time.Second))
	assert.False(t, g.registry.Unregister(g.metricsService(), "samples_total"), "stop releases metrics")
}

func TestNewInput(t *testing.T) {
	comp, err := NewInput(json.RawMessage(`{"interval_ms": 250, "source": "press"}`), component.Dependencies{})
	require.NoError(t, err)
	g := comp.(*Generator)
	assert.Equal(t, 250, g.config.IntervalMs)
	assert.Equal(t, int64(1), g.config.Diff, "defaults fill omitted keys")

	ports := g.OutputPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, component.NATSPort{Subject: "columns.press.>"}, ports[0].Config)

	err = g.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig, "no NATS client")

	_, err = NewInput(json.RawMessage(`{"interval_ms": -1}`), component.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Contains(t, registry.ListComponentTypes(), "column-generator")
}

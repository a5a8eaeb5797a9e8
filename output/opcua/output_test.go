package opcua

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/natsclient"
	"github.com/c360/semstreams-opcua/opcua/addrspace"
	"github.com/c360/semstreams-opcua/opcua/stack/memstack"
	"github.com/c360/semstreams-opcua/opcua/syncloop"
	"github.com/c360/semstreams-opcua/testutil"
	"github.com/c360/semstreams-opcua/types"
)

func rawConfig(t *testing.T, extra map[string]any) json.RawMessage {
	t.Helper()
	cfg := map[string]any{
		"endpoint":          "127.0.0.1:4840",
		"server_name":       "Line A",
		"namespace_uri":     "urn:plant:line-a",
		"interval":          "10ms",
		"stack":             "memory",
		"security_policies": "None",
		"auth_modes":        "anonymous",
	}
	for k, v := range extra {
		cfg[k] = v
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	return data
}

func connect(t *testing.T) *natsclient.Client {
	t.Helper()
	srv := testutil.StartNATSServer(t)
	c, err := natsclient.NewClient(srv.ClientURL(), natsclient.WithClientName("opcua-output-test"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func encode(t *testing.T, source, field string, kind column.PrimitiveType, v any) []byte {
	t.Helper()
	s, err := column.NewSample(source, field, kind, time.Now(), v)
	require.NoError(t, err)
	data, err := s.Encode()
	require.NoError(t, err)
	return data
}

func TestNewOutput_Defaults(t *testing.T) {
	comp, err := NewOutput(rawConfig(t, nil), component.Dependencies{})
	require.NoError(t, err)
	out := comp.(*Output)

	assert.Equal(t, []string{DefaultSubject}, out.subjects)
	assert.Equal(t, "Line A", out.instance)
	assert.Equal(t, defaultWorkers, out.workers)

	in := out.InputPorts()
	require.Len(t, in, 1)
	assert.Equal(t, component.NATSPort{Subject: DefaultSubject}, in[0].Config)

	ports := out.OutputPorts()
	require.Len(t, ports, 1)
	assert.Equal(t, component.NetworkPort{Protocol: "opc.tcp", Host: "127.0.0.1", Port: 4840}, ports[0].Config)
	assert.True(t, ports[0].Config.IsExclusive())

	assert.Equal(t, "output", out.Meta().Type)
	assert.Contains(t, out.ConfigSchema().Required, "namespace_uri")
	assert.False(t, out.Health().Healthy)
}

func TestNewOutput_Options(t *testing.T) {
	comp, err := NewOutput(rawConfig(t, map[string]any{
		"subjects":   "plant.columns.>",
		"kv_bucket":  "latest",
		"instance":   "line-a",
		"workers":    2,
		"queue_size": 16,
	}), component.Dependencies{})
	require.NoError(t, err)
	out := comp.(*Output)

	assert.Equal(t, []string{"plant.columns.>"}, out.subjects)
	assert.Equal(t, "line-a", out.instance)
	assert.Equal(t, 16, out.queueSize)

	in := out.InputPorts()
	require.Len(t, in, 2)
	assert.Equal(t, component.KVWatchPort{Bucket: "latest"}, in[1].Config)
}

func TestNewOutput_Invalid(t *testing.T) {
	_, err := NewOutput(json.RawMessage(`{"server_name": "x", "namespace_uri": "urn:x"}`), component.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrParameter)

	_, err = NewOutput(nil, component.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrParameter)

	_, err = NewOutput(json.RawMessage(`{`), component.Dependencies{})
	assert.True(t, errors.IsInvalid(err))

	_, err = NewOutput(rawConfig(t, map[string]any{"workers": 0}), component.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestOutput_StartRequiresNATS(t *testing.T) {
	comp, err := NewOutput(rawConfig(t, nil), component.Dependencies{})
	require.NoError(t, err)
	out := comp.(*Output)
	require.NoError(t, out.Initialize())
	t.Cleanup(func() { _ = out.Stop(time.Second) })

	err = out.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.True(t, errors.IsFatal(err))
}

func TestOutput_EndToEnd(t *testing.T) {
	ctx := context.Background()
	client := connect(t)

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "latest"})
	require.NoError(t, err)
	_, err = kv.Put(ctx, "lineA.pressure", encode(t, "lineA", "pressure", column.Int32, int32(101)))
	require.NoError(t, err)

	comp, err := NewOutput(rawConfig(t, map[string]any{"kv_bucket": "latest"}), component.Dependencies{
		NATSClient:      client,
		MetricsRegistry: metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)
	out := comp.(*Output)
	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(ctx))
	t.Cleanup(func() { _ = out.Stop(time.Second) })

	_, seeded := out.Table().Get("lineA", "pressure")
	assert.True(t, seeded, "KV values are loaded before Start returns")
	assert.ErrorIs(t, out.Start(ctx), errors.ErrAlreadyStarted)

	require.NoError(t, client.Publish(ctx, "columns.lineA.temp", encode(t, "lineA", "temp", column.Float64, 21.5)))
	require.NoError(t, client.Publish(ctx, "columns.lineA.temp", []byte(`{"source":"lineA"}`)))
	require.NoError(t, client.Flush(ctx))

	mem := out.Bridge().Server().(*memstack.Server)
	ns := out.Bridge().Status().Namespace
	testutil.WaitFor(t, 3*time.Second, func() bool {
		dv, err := mem.Read(addrspace.VariableNodeID("lineA", "temp", ns))
		return err == nil && dv.Value == 21.5
	}, "temp published as a variable")

	dv, err := mem.Read(addrspace.VariableNodeID("lineA", "pressure", ns))
	require.NoError(t, err)
	assert.Equal(t, int32(101), dv.Value)

	testutil.WaitFor(t, 2*time.Second, func() bool { return out.Health().ErrorCount == 1 }, "decode error counted")
	health := out.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
	assert.NotEmpty(t, health.LastError)

	flow := out.DataFlow()
	assert.InDelta(t, 0.5, flow.ErrorRate, 0.001)
	assert.False(t, flow.LastActivity.IsZero())

	require.NoError(t, out.Stop(2*time.Second))
	assert.False(t, out.Health().Healthy)
	assert.Equal(t, syncloop.StateStopped, out.Bridge().Status().State)
	assert.False(t, out.Table().IsRunnable())
}

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Error(t, Register(registry), "duplicate registration")

	comp, err := registry.CreateComponent("line-a", types.ComponentConfig{
		Type:    types.ComponentTypeOutput,
		Name:    "opcua",
		Enabled: true,
		Config:  rawConfig(t, nil),
	}, component.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "opcua-output", comp.Meta().Name)

	_, err = registry.CreateComponent("line-b", types.ComponentConfig{
		Type:    types.ComponentTypeOutput,
		Name:    "opcua",
		Enabled: true,
		Config:  rawConfig(t, nil),
	}, component.Dependencies{})
	assert.Error(t, err, "the same endpoint cannot be claimed twice")
}

package addrspace

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/stack"
	"github.com/c360/semstreams-opcua/opcua/stack/memstack"
)

// countingServer counts node creations reaching the wrapped server.
type countingServer struct {
	stack.Server
	objects   atomic.Int32
	variables atomic.Int32
}

func (c *countingServer) AddObject(ctx context.Context, parent stack.Handle, id stack.NodeID, name string) (stack.Handle, error) {
	c.objects.Add(1)
	return c.Server.AddObject(ctx, parent, id, name)
}

func (c *countingServer) AddVariable(ctx context.Context, parent stack.Handle, id stack.NodeID, name string, value any) (stack.Handle, error) {
	c.variables.Add(1)
	return c.Server.AddVariable(ctx, parent, id, name, value)
}

type env struct {
	mem      *memstack.Server
	counting *countingServer
	registry *Registry
	ns       uint16
}

func newEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()
	mem := memstack.New(stack.Options{})
	counting := &countingServer{Server: mem}

	ns, err := mem.RegisterNamespace(ctx, "urn:test:bridge")
	require.NoError(t, err)
	factory := NewFactory(counting, time.Second)
	folder, err := factory.CreateComponentsFolder(ctx, ns)
	require.NoError(t, err)

	return env{mem: mem, counting: counting, registry: NewRegistry(factory, ns, folder), ns: ns}
}

func TestNodeIDs(t *testing.T) {
	assert.Equal(t, "ns=2;s=lineA", ComponentNodeID("lineA", 2).String())
	assert.Equal(t, "ns=2;s=lineA:temp", VariableNodeID("lineA", "temp", 2).String())
	assert.Equal(t, VariableNodeID("a", "b", 3), VariableNodeID("a", "b", 3))
}

func TestRegistry_ResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	first, created, err := e.registry.ResolveComponent(ctx, "lineA")
	require.NoError(t, err)
	assert.True(t, created)

	for i := 0; i < 5; i++ {
		again, created, err := e.registry.ResolveComponent(ctx, "lineA")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Same(t, first, again)
	}
	assert.Equal(t, int32(1), e.counting.objects.Load())

	v1, created, err := e.registry.ResolveVariable(ctx, first, "temp", column.Float64, 21.5)
	require.NoError(t, err)
	assert.True(t, created)
	v2, created, err := e.registry.ResolveVariable(ctx, first, "temp", column.Float64, 99.0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, v1, v2)
	assert.Equal(t, int32(1), e.counting.variables.Load())

	assert.Equal(t, 1, e.registry.Components())
	assert.Equal(t, 1, e.registry.Variables())

	dv, err := e.mem.Read(VariableNodeID("lineA", "temp", e.ns))
	require.NoError(t, err)
	assert.Equal(t, 21.5, dv.Value, "initial value seeds only at creation")
}

func TestRegistry_VariablesAreScopedToComponent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	a, _, err := e.registry.ResolveComponent(ctx, "lineA")
	require.NoError(t, err)
	b, _, err := e.registry.ResolveComponent(ctx, "lineB")
	require.NoError(t, err)

	va, _, err := e.registry.ResolveVariable(ctx, a, "temp", column.Float64, 1.0)
	require.NoError(t, err)
	vb, _, err := e.registry.ResolveVariable(ctx, b, "temp", column.Float64, 2.0)
	require.NoError(t, err)

	assert.NotEqual(t, va.Handle.ID, vb.Handle.ID)
	assert.Equal(t, 2, e.registry.Variables())

	refs, err := e.mem.Browse(stack.NodeID{Namespace: e.ns, ID: ComponentsFolderID})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "lineA", refs[0].Name)
	assert.Equal(t, "lineB", refs[1].Name)

	got, ok := e.registry.Lookup("lineB", "temp")
	require.True(t, ok)
	assert.Same(t, vb, got)
	_, ok = e.registry.Lookup("lineC", "temp")
	assert.False(t, ok)
}

func TestRegistry_WriteRejectsTypeChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	comp, _, err := e.registry.ResolveComponent(ctx, "lineA")
	require.NoError(t, err)
	v, _, err := e.registry.ResolveVariable(ctx, comp, "pressure", column.Int32, int32(101))
	require.NoError(t, err)

	err = e.registry.Write(ctx, v, 101.0, time.Now())
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, e.registry.Write(ctx, v, int32(105), time.Now()))
	dv, err := e.mem.Read(v.Handle.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(105), dv.Value)
}

func TestRegistry_NodeConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// A variable left behind under the identifier of a component.
	_, err := e.mem.AddVariable(ctx, e.mem.ObjectsFolder(), ComponentNodeID("stale", e.ns), "stale", int8(1))
	require.NoError(t, err)

	_, _, err = e.registry.ResolveComponent(ctx, "stale")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNodeConflict)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, e.registry.Components(), "failed creations are not cached")
}

func TestRegistry_ComponentsIsAnOrdinarySource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	comp, created, err := e.registry.ResolveComponent(ctx, ComponentsFolderName)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, ComponentsFolderID, comp.Handle.ID.ID)
	_, _, err = e.registry.ResolveVariable(ctx, comp, "x", column.Int8, int8(1))
	require.NoError(t, err)

	refs, err := e.mem.Browse(stack.NodeID{Namespace: e.ns, ID: ComponentsFolderID})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ComponentsFolderName, refs[0].Name)
}

func TestRegistry_RejectsSeparatorInSource(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// "a:b" would read as field b of source a.
	_, _, err := e.registry.ResolveComponent(ctx, "a:b")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	assert.True(t, errors.IsInvalid(err))
	assert.Zero(t, e.counting.objects.Load())

	a, _, err := e.registry.ResolveComponent(ctx, "a")
	require.NoError(t, err)
	v, _, err := e.registry.ResolveVariable(ctx, a, "b:c", column.Int8, int8(1))
	require.NoError(t, err, "fields may contain the separator")
	assert.Equal(t, "a:b:c", v.Handle.ID.ID)
}

func TestRegistry_RejectsEmptyNames(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, _, err := e.registry.ResolveComponent(ctx, "")
	assert.True(t, errors.IsInvalid(err))

	comp, _, err := e.registry.ResolveComponent(ctx, "s")
	require.NoError(t, err)
	_, _, err = e.registry.ResolveVariable(ctx, comp, "", column.Bool, true)
	assert.True(t, errors.IsInvalid(err))
}

func TestFactory_SeedsZeroValueAndCoerces(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	comp, _, err := e.registry.ResolveComponent(ctx, "gen")
	require.NoError(t, err)

	_, _, err = e.registry.ResolveVariable(ctx, comp, "flag", column.Bool, nil)
	require.NoError(t, err)
	dv, err := e.mem.Read(VariableNodeID("gen", "flag", e.ns))
	require.NoError(t, err)
	assert.Equal(t, false, dv.Value)

	_, _, err = e.registry.ResolveVariable(ctx, comp, "u16", column.Uint16, 7)
	require.NoError(t, err)
	dv, err = e.mem.Read(VariableNodeID("gen", "u16", e.ns))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), dv.Value)

	_, _, err = e.registry.ResolveVariable(ctx, comp, "bad", column.Uint8, -1)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
}

func TestFactory_ClassifiesStackErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	comp, _, err := e.registry.ResolveComponent(ctx, "lineA")
	require.NoError(t, err)
	v, _, err := e.registry.ResolveVariable(ctx, comp, "temp", column.Float64, 1.0)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = e.registry.Write(cancelled, v, 2.0, time.Now())
	assert.True(t, errors.IsTransient(err))

	require.NoError(t, e.mem.Close())
	err = e.registry.Write(ctx, v, 2.0, time.Now())
	assert.True(t, errors.IsFatal(err))
}

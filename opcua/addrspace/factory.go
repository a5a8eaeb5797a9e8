package addrspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360/semstreams-opcua/column"
	semerrors "github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/stack"
)

// ComponentsFolderName is the browse name of the folder under Objects that
// holds one object per data source.
const ComponentsFolderName = "Components"

// IDSeparator joins source and field in variable identifiers. Source names
// must not contain it.
const IDSeparator = ":"

// ComponentsFolderID identifies the Components folder. It starts with
// IDSeparator, which no component or variable identifier does.
const ComponentsFolderID = IDSeparator + ComponentsFolderName

// DefaultOperationTimeout bounds a single create or write call.
const DefaultOperationTimeout = 5 * time.Second

// ComponentNodeID returns the identifier of the object for source.
func ComponentNodeID(source string, ns uint16) stack.NodeID {
	return stack.NodeID{Namespace: ns, ID: source}
}

// VariableNodeID returns the identifier of the variable for field of source.
func VariableNodeID(source, field string, ns uint16) stack.NodeID {
	return stack.NodeID{Namespace: ns, ID: source + IDSeparator + field}
}

// Factory creates nodes through a stack.Server with deterministic
// identifiers. Every call is bounded by the operation timeout.
type Factory struct {
	srv     stack.Server
	timeout time.Duration
}

// NewFactory creates a factory. A non-positive timeout selects
// DefaultOperationTimeout.
func NewFactory(srv stack.Server, timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Factory{srv: srv, timeout: timeout}
}

// classify keeps conflict and type errors in the invalid class and treats
// everything else the stack reports as transient.
func classify(err error, method, action string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, semerrors.ErrNodeConflict), errors.Is(err, semerrors.ErrTypeMismatch), errors.Is(err, semerrors.ErrInvalidData):
		return semerrors.WrapInvalid(err, "addrspace", method, action)
	case errors.Is(err, semerrors.ErrShuttingDown):
		return semerrors.WrapFatal(err, "addrspace", method, action)
	default:
		return semerrors.WrapTransient(err, "addrspace", method, action)
	}
}

// CreateComponentsFolder creates the Components folder below Objects.
func (f *Factory) CreateComponentsFolder(ctx context.Context, ns uint16) (stack.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	h, err := f.srv.AddFolder(ctx, f.srv.ObjectsFolder(), stack.NodeID{Namespace: ns, ID: ComponentsFolderID}, ComponentsFolderName)
	return h, classify(err, "CreateComponentsFolder", "folder add")
}

// CreateComponent creates the object node for source below parent.
func (f *Factory) CreateComponent(ctx context.Context, parent stack.Handle, source string, ns uint16) (stack.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	h, err := f.srv.AddObject(ctx, parent, ComponentNodeID(source, ns), source)
	return h, classify(err, "CreateComponent", fmt.Sprintf("object add for %q", source))
}

// CreateVariable creates the variable for field below the component object,
// seeded with initial coerced to typ. A nil initial seeds the zero value.
func (f *Factory) CreateVariable(ctx context.Context, component stack.Handle, source, field string, typ column.PrimitiveType, ns uint16, initial any) (stack.Handle, error) {
	seed := typ.Zero()
	if initial != nil {
		v, err := typ.Coerce(initial)
		if err != nil {
			return stack.Handle{}, classify(err, "CreateVariable", fmt.Sprintf("seed %s:%s", source, field))
		}
		seed = v
	}
	if seed == nil {
		return stack.Handle{}, classify(fmt.Errorf("%w: %s:%s has type %s", semerrors.ErrTypeMismatch, source, field, typ),
			"CreateVariable", "type check")
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	h, err := f.srv.AddVariable(ctx, component, VariableNodeID(source, field, ns), field, seed)
	return h, classify(err, "CreateVariable", fmt.Sprintf("variable add for %s:%s", source, field))
}

// Write pushes value with its source timestamp.
func (f *Factory) Write(ctx context.Context, h stack.Handle, value any, ts time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	return classify(f.srv.WriteValue(ctx, h, value, ts), "Write", fmt.Sprintf("value write to %s", h.ID))
}

// Package addrspace maintains the Components/<source>/<field> tree of the OPC
// UA address space. The Registry remembers every node it created so that
// repeated lookups never touch the server again; the Factory performs the
// creation through a stack.Server.
package addrspace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/semstreams-opcua/column"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/stack"
)

// VariableNode is the variable exposing one column. Its type is fixed when
// it is created.
type VariableNode struct {
	Field  string
	Type   column.PrimitiveType
	Handle stack.Handle
}

// ComponentNode is the object grouping the variables of one data source.
type ComponentNode struct {
	Source    string
	Handle    stack.Handle
	variables map[string]*VariableNode
}

// Variable returns the variable for field, if it exists.
func (c *ComponentNode) Variable(field string) (*VariableNode, bool) {
	v, ok := c.variables[field]
	return v, ok
}

// Len returns the number of variables below the component.
func (c *ComponentNode) Len() int {
	return len(c.variables)
}

// Registry maps sources and fields to their nodes. Entries are never
// removed. It is not safe for concurrent use; the synchronization loop is
// its only writer.
type Registry struct {
	factory    *Factory
	namespace  uint16
	folder     stack.Handle
	components map[string]*ComponentNode
	variables  int
}

// NewRegistry creates an empty registry for nodes in namespace below folder.
func NewRegistry(factory *Factory, namespace uint16, folder stack.Handle) *Registry {
	return &Registry{
		factory:    factory,
		namespace:  namespace,
		folder:     folder,
		components: make(map[string]*ComponentNode),
	}
}

// Namespace returns the namespace index nodes are created in.
func (r *Registry) Namespace() uint16 {
	return r.namespace
}

// ResolveComponent returns the component node for source, creating it on
// first use. created reports whether this call added it.
func (r *Registry) ResolveComponent(ctx context.Context, source string) (node *ComponentNode, created bool, err error) {
	if c, ok := r.components[source]; ok {
		return c, false, nil
	}
	if source == "" {
		return nil, false, errors.WrapInvalid(fmt.Errorf("%w: empty source name", errors.ErrInvalidData),
			"addrspace", "ResolveComponent", "source check")
	}
	if strings.Contains(source, IDSeparator) {
		return nil, false, errors.WrapInvalid(fmt.Errorf("%w: source name %q contains %q", errors.ErrInvalidData, source, IDSeparator),
			"addrspace", "ResolveComponent", "source check")
	}

	h, err := r.factory.CreateComponent(ctx, r.folder, source, r.namespace)
	if err != nil {
		return nil, false, err
	}
	c := &ComponentNode{Source: source, Handle: h, variables: make(map[string]*VariableNode)}
	r.components[source] = c
	return c, true, nil
}

// ResolveVariable returns the variable for field below comp, creating it on
// first use with typ and initial as the seed value. An existing variable is
// returned unchanged; initial is ignored in that case.
func (r *Registry) ResolveVariable(ctx context.Context, comp *ComponentNode, field string, typ column.PrimitiveType, initial any) (node *VariableNode, created bool, err error) {
	if v, ok := comp.variables[field]; ok {
		return v, false, nil
	}
	if field == "" {
		return nil, false, errors.WrapInvalid(fmt.Errorf("%w: empty field name", errors.ErrInvalidData),
			"addrspace", "ResolveVariable", "field check")
	}

	h, err := r.factory.CreateVariable(ctx, comp.Handle, comp.Source, field, typ, r.namespace, initial)
	if err != nil {
		return nil, false, err
	}
	v := &VariableNode{Field: field, Type: typ, Handle: h}
	comp.variables[field] = v
	r.variables++
	return v, true, nil
}

// Write sets the value of v. A value whose type differs from the type v
// was created with is rejected.
func (r *Registry) Write(ctx context.Context, v *VariableNode, value any, ts time.Time) error {
	if got, ok := column.TypeOf(value); !ok || got != v.Type {
		return errors.WrapInvalid(fmt.Errorf("%w: %s holds %s, got %T", errors.ErrTypeMismatch, v.Handle.ID, v.Type, value),
			"addrspace", "Write", "type check")
	}
	return r.factory.Write(ctx, v.Handle, value, ts)
}

// Component returns the component node for source without creating it.
func (r *Registry) Component(source string) (*ComponentNode, bool) {
	c, ok := r.components[source]
	return c, ok
}

// Lookup returns the variable for (source, field) without creating it.
func (r *Registry) Lookup(source, field string) (*VariableNode, bool) {
	c, ok := r.components[source]
	if !ok {
		return nil, false
	}
	return c.Variable(field)
}

// Components returns the number of component nodes.
func (r *Registry) Components() int {
	return len(r.components)
}

// Variables returns the number of variable nodes.
func (r *Registry) Variables() int {
	return r.variables
}

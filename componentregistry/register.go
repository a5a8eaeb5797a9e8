// Package componentregistry registers the components shipped with the
// bridge.
package componentregistry

import (
	stderrors "errors"

	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/input/generator"
	"github.com/c360/semstreams-opcua/output/opcua"
)

// Register registers every built-in component with registry:
//   - column-generator input (synthetic columns on NATS)
//   - opcua output (NATS columns published as an OPC UA address space)
func Register(registry *component.Registry) error {
	// A nil registry is a programming error, not invalid input.
	if registry == nil {
		return errors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := generator.Register(registry); err != nil {
		return errors.WrapInvalid(err, "ComponentRegistry", "Register", "column generator registration")
	}
	if err := opcua.Register(registry); err != nil {
		return errors.WrapInvalid(err, "ComponentRegistry", "Register", "OPC UA output registration")
	}
	return nil
}

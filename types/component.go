// Package types holds configuration types shared by the config and
// component packages.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/c360/semstreams-opcua/errors"
)

// ComponentType represents the category of a component
type ComponentType string

const (
	ComponentTypeInput  ComponentType = "input"
	ComponentTypeOutput ComponentType = "output"
)

func (ct ComponentType) String() string {
	return string(ct)
}

// ComponentConfig configures one component instance. The instance name is
// the key of the components map.
type ComponentConfig struct {
	Type    ComponentType   `json:"type"`    // input or output
	Name    string          `json:"name"`    // factory name, e.g. "opcua"
	Enabled bool            `json:"enabled"` // Whether component is enabled
	Config  json.RawMessage `json:"config"`  // Component-specific configuration
}

// Validate ensures the component configuration is valid
func (c ComponentConfig) Validate() error {
	if c.Type == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component type cannot be empty")
	}
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component factory name cannot be empty")
	}
	switch c.Type {
	case ComponentTypeInput, ComponentTypeOutput:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentConfig", "Validate",
			fmt.Sprintf("invalid component type: %s", c.Type))
	}
}

// PlatformMeta identifies the deployment to components.
type PlatformMeta struct {
	Org      string // Organization namespace (e.g., "c360")
	Platform string // Platform identifier (e.g., "plant-7")
}

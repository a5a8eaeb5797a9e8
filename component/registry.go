package component

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/types"
)

// Factory creates a component instance from its raw JSON configuration.
// Factories parse and validate only; all I/O belongs in Start.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Discoverable, error)

// Registration holds factory and metadata for a component type
type Registration struct {
	Name        string       `json:"name"`
	Type        string       `json:"type"`     // input/output
	Protocol    string       `json:"protocol"` // nats, opcua
	Domain      string       `json:"domain"`
	Description string       `json:"description"`
	Version     string       `json:"version"`
	Schema      ConfigSchema `json:"schema"`
	Factory     Factory      `json:"-"`
}

// RegistrationConfig is the argument of RegisterWithConfig.
type RegistrationConfig struct {
	Name        string
	Factory     Factory
	Schema      ConfigSchema
	Type        string
	Protocol    string
	Domain      string
	Description string
	Version     string
}

// Registry manages component factories and instances. Exclusive port
// resources (listening endpoints) are tracked so two instances cannot claim
// the same one.
type Registry struct {
	mu              sync.RWMutex
	factories       map[string]*Registration
	instances       map[string]Discoverable
	resourceTracker map[string]string // resource ID -> instance name
}

// NewRegistry creates a new empty component registry
func NewRegistry() *Registry {
	return &Registry{
		factories:       make(map[string]*Registration),
		instances:       make(map[string]Discoverable),
		resourceTracker: make(map[string]string),
	}
}

// RegisterWithConfig registers a component factory.
//
//	registry.RegisterWithConfig(component.RegistrationConfig{
//	    Name:     "opcua",
//	    Factory:  opcua.NewOutput,
//	    Type:     "output",
//	    Protocol: "opcua",
//	})
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	return r.RegisterFactory(config.Name, &Registration{
		Name:        config.Name,
		Factory:     config.Factory,
		Schema:      config.Schema,
		Type:        config.Type,
		Protocol:    config.Protocol,
		Domain:      config.Domain,
		Description: config.Description,
		Version:     config.Version,
	})
}

// RegisterFactory registers a component factory under name. Registering
// the same name twice is an error.
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	switch {
	case name == "":
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	case registration == nil:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "registration validation")
	case registration.Factory == nil:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	case registration.Type == "":
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "component type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("factory '%s' is already registered", name),
			"Registry", "RegisterFactory", "duplicate factory check")
	}
	r.factories[name] = registration
	return nil
}

// CreateComponent builds an instance with the factory named by config.Name
// and registers it under instanceName.
func (r *Registry) CreateComponent(instanceName string, config types.ComponentConfig, deps Dependencies) (Discoverable, error) {
	if err := ValidateComponentName(instanceName); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance name validation")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "component config validation")
	}
	if err := ValidateFactoryConfig(config.Config); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "config security validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[config.Name]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown component factory '%s'", config.Name),
			"Registry", "CreateComponent", "factory lookup")
	}
	if registration.Type != string(config.Type) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component '%s' is type '%s', not '%s'", config.Name, registration.Type, config.Type),
			"Registry", "CreateComponent", "type validation")
	}

	comp, err := registration.Factory(config.Config, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory execution")
	}
	if err := r.RegisterInstance(instanceName, comp); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance registration")
	}
	return comp, nil
}

// RegisterInstance registers a component instance with the given name.
func (r *Registry) RegisterInstance(name string, comp Discoverable) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "instance name validation")
	}
	if comp == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "component validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("instance '%s' is already registered", name),
			"Registry", "RegisterInstance", "duplicate instance check")
	}
	ports := exclusivePorts(comp)
	for _, p := range ports {
		if owner, taken := r.resourceTracker[p.ResourceID()]; taken {
			return errors.WrapInvalid(
				fmt.Errorf("resource conflict: %s already used by component '%s'", p.ResourceID(), owner),
				"Registry", "RegisterInstance", "exclusive resource check")
		}
	}

	r.instances[name] = comp
	for _, p := range ports {
		r.resourceTracker[p.ResourceID()] = name
	}
	return nil
}

// UnregisterInstance removes a component instance and releases its
// resources.
func (r *Registry) UnregisterInstance(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if comp, ok := r.instances[name]; ok {
		for _, p := range exclusivePorts(comp) {
			if r.resourceTracker[p.ResourceID()] == name {
				delete(r.resourceTracker, p.ResourceID())
			}
		}
	}
	delete(r.instances, name)
}

func exclusivePorts(comp Discoverable) []Portable {
	var out []Portable
	for _, port := range append(comp.InputPorts(), comp.OutputPorts()...) {
		if port.Config != nil && port.Config.IsExclusive() {
			out = append(out, port.Config)
		}
	}
	return out
}

// ListComponents returns a copy of all registered instances.
func (r *Registry) ListComponents() map[string]Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.instances)
}

// Component retrieves a specific component instance by name, or nil.
func (r *Registry) Component(name string) Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// ListComponentTypes returns the registered factory names, sorted.
func (r *Registry) ListComponentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// GetComponentSchema returns the schema a factory was registered with.
func (r *Registry) GetComponentSchema(name string) (ConfigSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, ok := r.factories[name]
	if !ok {
		return ConfigSchema{}, errors.WrapInvalid(fmt.Errorf("component type %q not found", name),
			"Registry", "GetComponentSchema", "type lookup")
	}
	return registration.Schema, nil
}

package componentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-opcua/component"
	"github.com/c360/semstreams-opcua/errors"
)

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Equal(t, []string{"column-generator", "opcua"}, registry.ListComponentTypes())

	schema, err := registry.GetComponentSchema("opcua")
	require.NoError(t, err)
	assert.Contains(t, schema.Required, "endpoint")

	assert.True(t, errors.IsInvalid(Register(registry)), "registering twice fails")
}

func TestRegister_NilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

package component

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/semstreams-opcua/errors"
)

// Config validation limits
const (
	MaxStringLength = 1024
	MaxJSONSize     = 1024 * 1024
	maxDepth        = 10
	maxArraySize    = 1000
)

// ValidateComponentName allows letters, digits, dash, underscore and dot.
func ValidateComponentName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "empty name")
	}
	if len(name) > MaxStringLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "name too long")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName",
				"invalid name characters")
		}
	}
	return nil
}

// ValidateFactoryConfig bounds the size, nesting and string lengths of a
// raw component config before a factory sees it. Empty configs are valid.
func ValidateFactoryConfig(raw json.RawMessage) error {
	if len(raw) > MaxJSONSize {
		return errors.WrapInvalid(fmt.Errorf("config size %d exceeds maximum %d", len(raw), MaxJSONSize),
			"ConfigValidator", "ValidateFactoryConfig", "size check")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return errors.WrapInvalid(err, "ConfigValidator", "ValidateFactoryConfig", "JSON parsing")
	}
	return validateValue(v, 0)
}

func validateValue(value any, depth int) error {
	if depth > maxDepth {
		return errors.WrapInvalid(fmt.Errorf("JSON depth %d exceeds maximum %d", depth, maxDepth),
			"ConfigValidator", "validateValue", "depth check")
	}
	switch val := value.(type) {
	case string:
		if len(val) > MaxStringLength {
			return errors.WrapInvalid(fmt.Errorf("string length %d exceeds maximum %d", len(val), MaxStringLength),
				"ConfigValidator", "validateValue", "string length check")
		}
	case []any:
		if len(val) > maxArraySize {
			return errors.WrapInvalid(fmt.Errorf("array size %d exceeds maximum %d", len(val), maxArraySize),
				"ConfigValidator", "validateValue", "array size check")
		}
		for _, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, elem := range val {
			if len(k) > MaxStringLength {
				return errors.WrapInvalid(fmt.Errorf("key length %d exceeds maximum", len(k)),
					"ConfigValidator", "validateValue", "key length check")
			}
			if err := validateValue(elem, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

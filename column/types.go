package column

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/c360/semstreams-opcua/errors"
)

// PrimitiveType is the scalar type carried by a column.
type PrimitiveType int

// Supported primitive types. The zero value is Unknown.
const (
	Unknown PrimitiveType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	String
	Binary
)

var typeNames = map[PrimitiveType]string{
	Bool:    "bool",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Float32: "float32",
	Float64: "float64",
	String:  "string",
	Binary:  "binary",
}

// aliases accepted by ParsePrimitiveType in addition to the canonical names
var typeAliases = map[string]PrimitiveType{
	"boolean": Bool,
	"float":   Float32,
	"double":  Float64,
	"str":     String,
	"bin":     Binary,
	"bytes":   Binary,
}

// AllTypes lists every supported type in declaration order.
func AllTypes() []PrimitiveType {
	return []PrimitiveType{Bool, Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Float32, Float64, String, Binary}
}

func (t PrimitiveType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is one of the supported types.
func (t PrimitiveType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParsePrimitiveType resolves a type name, case-insensitively.
func ParsePrimitiveType(name string) (PrimitiveType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for t, canonical := range typeNames {
		if canonical == n {
			return t, nil
		}
	}
	if t, ok := typeAliases[n]; ok {
		return t, nil
	}
	return Unknown, errors.WrapInvalid(fmt.Errorf("%w: unknown primitive type %q", errors.ErrInvalidData, name),
		"column", "ParsePrimitiveType", "type lookup")
}

// MarshalJSON encodes the type by name.
func (t PrimitiveType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name.
func (t *PrimitiveType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePrimitiveType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TypeOf reports the primitive type of an already typed Go value.
func TypeOf(v any) (PrimitiveType, bool) {
	switch v.(type) {
	case bool:
		return Bool, true
	case int8:
		return Int8, true
	case int16:
		return Int16, true
	case int32:
		return Int32, true
	case int64:
		return Int64, true
	case uint8:
		return Uint8, true
	case uint16:
		return Uint16, true
	case uint32:
		return Uint32, true
	case uint64:
		return Uint64, true
	case float32:
		return Float32, true
	case float64:
		return Float64, true
	case string:
		return String, true
	case []byte:
		return Binary, true
	default:
		return Unknown, false
	}
}

// Zero returns the zero value of the Go type backing t.
func (t PrimitiveType) Zero() any {
	switch t {
	case Bool:
		return false
	case Int8:
		return int8(0)
	case Int16:
		return int16(0)
	case Int32:
		return int32(0)
	case Int64:
		return int64(0)
	case Uint8:
		return uint8(0)
	case Uint16:
		return uint16(0)
	case Uint32:
		return uint32(0)
	case Uint64:
		return uint64(0)
	case Float32:
		return float32(0)
	case Float64:
		return float64(0)
	case String:
		return ""
	case Binary:
		return []byte{}
	default:
		return nil
	}
}

// Coerce converts v into the Go type backing t. Values that already have
// that type pass through unchanged. Loosely typed input, as produced by
// JSON decoding, is converted when it fits without loss.
func (t PrimitiveType) Coerce(v any) (any, error) {
	if got, ok := TypeOf(v); ok && got == t {
		return v, nil
	}

	var (
		out any
		err error
	)
	switch t {
	case Bool:
		out, err = coerceBool(v)
	case Int8:
		out, err = coerceSigned(v, math.MinInt8, math.MaxInt8, func(i int64) any { return int8(i) })
	case Int16:
		out, err = coerceSigned(v, math.MinInt16, math.MaxInt16, func(i int64) any { return int16(i) })
	case Int32:
		out, err = coerceSigned(v, math.MinInt32, math.MaxInt32, func(i int64) any { return int32(i) })
	case Int64:
		out, err = coerceSigned(v, math.MinInt64, math.MaxInt64, func(i int64) any { return i })
	case Uint8:
		out, err = coerceUnsigned(v, math.MaxUint8, func(u uint64) any { return uint8(u) })
	case Uint16:
		out, err = coerceUnsigned(v, math.MaxUint16, func(u uint64) any { return uint16(u) })
	case Uint32:
		out, err = coerceUnsigned(v, math.MaxUint32, func(u uint64) any { return uint32(u) })
	case Uint64:
		out, err = coerceUnsigned(v, math.MaxUint64, func(u uint64) any { return u })
	case Float32:
		var f float64
		f, err = toFloat(v)
		out = float32(f)
	case Float64:
		out, err = toFloat(v)
	case String:
		out, err = coerceString(v)
	case Binary:
		out, err = coerceBinary(v)
	default:
		err = fmt.Errorf("unsupported type %d", t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cannot use %T as %s: %v", errors.ErrTypeMismatch, v, t, err)
	}
	return out, nil
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	i, err := toInt(v)
	if err != nil {
		return nil, err
	}
	if i != 0 && i != 1 {
		return nil, fmt.Errorf("%d is not 0 or 1", i)
	}
	return i == 1, nil
}

func coerceSigned(v any, lo, hi int64, conv func(int64) any) (any, error) {
	i, err := toInt(v)
	if err != nil {
		return nil, err
	}
	if i < lo || i > hi {
		return nil, fmt.Errorf("%d out of range", i)
	}
	return conv(i), nil
}

func coerceUnsigned(v any, hi uint64, conv func(uint64) any) (any, error) {
	u, err := toUint(v)
	if err != nil {
		return nil, err
	}
	if u > hi {
		return nil, fmt.Errorf("%d out of range", u)
	}
	return conv(u), nil
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return x.String(), nil
	}
	return nil, fmt.Errorf("not a string")
}

func coerceBinary(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return base64.StdEncoding.DecodeString(x)
	case []any:
		out := make([]byte, len(x))
		for i, e := range x {
			u, err := toUint(e)
			if err != nil || u > math.MaxUint8 {
				return nil, fmt.Errorf("element %d is not a byte", i)
			}
			out[i] = byte(u)
		}
		return out, nil
	}
	return nil, fmt.Errorf("not binary")
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", x)
		}
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", x)
		}
		return int64(x), nil
	case json.Number:
		return strconv.ParseInt(x.String(), 10, 64)
	case float64:
		return wholeFloat(x)
	case float32:
		return wholeFloat(float64(x))
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("not an integer")
}

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 64)
	case string:
		return strconv.ParseUint(x, 10, 64)
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("%d is negative", i)
	}
	return uint64(i), nil
}

func wholeFloat(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case bool:
		return 0, fmt.Errorf("not a number")
	}
	if u, ok := v.(uint64); ok {
		return float64(u), nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

package config

import "encoding/json"

// Lookup helpers for component parameters decoded into map[string]any.
// A missing key or a value of the wrong type yields the default.

// GetString returns cfg[key] when it is a string.
func GetString(cfg map[string]any, key string, defaultVal string) string {
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return defaultVal
}

// GetInt returns cfg[key] truncated to an int. JSON numbers decoded with or
// without UseNumber are both accepted.
func GetInt(cfg map[string]any, key string, defaultVal int) int {
	if v, ok := cfg[key].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	if f, ok := number(cfg[key]); ok {
		return int(f)
	}
	return defaultVal
}

// GetFloat64 returns cfg[key] as a float64.
func GetFloat64(cfg map[string]any, key string, defaultVal float64) float64 {
	if f, ok := number(cfg[key]); ok {
		return f
	}
	return defaultVal
}

// GetStringSlice returns cfg[key] when it is a list made only of strings.
func GetStringSlice(cfg map[string]any, key string, defaultVal []string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out[i] = s
		}
		return out
	}
	return defaultVal
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

package tools

import (
	"encoding/json"
	"strings"
)

// Argument accessors for handlers. JSON decoding hands numbers over as
// float64; these helpers hide that so handlers read natural types.

// String returns args[key] as a trimmed string, or "" when absent.
func String(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int returns args[key] as an int, or 0 when absent or not numeric.
func Int(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// Float returns args[key] as a float64, or 0 when absent.
func Float(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

// Bool returns args[key] as a bool, or false when absent.
func Bool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// StringSlice returns args[key] as a []string, skipping non-strings.
func StringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IntSlice returns args[key] as an []int, skipping non-numeric elements.
func IntSlice(args map[string]any, key string) []int {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out = append(out, int(n))
			}
		}
	}
	return out
}

// Has reports whether the caller supplied key at all.
func Has(args map[string]any, key string) bool {
	_, ok := args[key]
	return ok
}

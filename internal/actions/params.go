package actions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config helpers shared by the adapters. Values have already been interpolated.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64, int, int64, bool:
		return fmt.Sprint(s)
	default:
		return defaultVal
	}
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// stringSliceParam accepts a list or a single comma-separated string.
func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch val := v.(type) {
	case []string:
		out = append(out, val...)
	case []any:
		for _, item := range val {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.Split(val, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if v != nil {
			result[k] = fmt.Sprint(v)
		}
	}
	return result
}

func mapParam(m map[string]any, key string) map[string]any {
	raw, _ := m[key].(map[string]any)
	return raw
}

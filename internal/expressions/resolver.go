package expressions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Resolve walks a dotted path into vars. A surrounding {{ }} wrapper is stripped.
// Numeric segments index into slices. The result is nil as soon as any
// intermediate value is nil or missing.
func Resolve(path string, vars map[string]any) any {
	path = unwrap(path)
	if path == "" || vars == nil {
		return nil
	}

	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return nil
		}
		cur = child(cur, seg)
	}
	return cur
}

func unwrap(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "{{") && strings.HasSuffix(path, "}}") {
		path = strings.TrimSpace(path[2 : len(path)-2])
	}
	return path
}

func child(cur any, seg string) any {
	switch v := cur.(type) {
	case map[string]any:
		return v[seg]
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil
		}
		return v[i]
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil
		}
		return val.Interface()
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil
		}
		return rv.Index(i).Interface()
	}
	return nil
}

// Interpolate replaces {{path}} placeholders in s with values from vars.
// When s is exactly one placeholder the raw value is returned so that numbers,
// maps and slices keep their type. Unresolved placeholders render as "".
func Interpolate(s string, vars map[string]any) any {
	if !strings.Contains(s, "{{") {
		return s
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return Resolve(trimmed, vars)
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			// Unclosed marker: keep the rest verbatim.
			b.WriteString(s[i+idx:])
			break
		}
		end += start
		b.WriteString(Stringify(Resolve(s[start:end], vars)))
		i = end + 2
	}
	return b.String()
}

// InterpolateValue applies Interpolate to every string inside v, recursing into
// maps and slices. The input is not modified.
func InterpolateValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, vars)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Interpolate(item, vars)
		}
		return out
	default:
		return v
	}
}

// Stringify renders v the way it appears inside interpolated text and in
// string comparisons. nil renders as "".
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

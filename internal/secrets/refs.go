package secrets

import (
	"context"
	"regexp"
	"sort"

	"github.com/rendis/bizflow/pkg/schema"
)

var refPattern = regexp.MustCompile(`\{\{\s*secrets\.([A-Za-z0-9_\-]+)\s*\}\}`)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

func validKey(key string) bool { return keyPattern.MatchString(key) }

// References lists the distinct secret keys referenced anywhere inside v,
// sorted.
func References(v any) []string {
	seen := make(map[string]bool)
	collect(v, seen)
	if len(seen) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collect(v any, seen map[string]bool) {
	switch val := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
			seen[m[1]] = true
		}
	case map[string]any:
		for _, item := range val {
			collect(item, seen)
		}
	case []any:
		for _, item := range val {
			collect(item, seen)
		}
	case []string:
		for _, item := range val {
			collect(item, seen)
		}
	}
}

// Lookup resolves keys into the map bound as "secrets" during interpolation.
// A nil vault fails with ACTION_UNAVAILABLE; a missing key with VALIDATION_ERROR.
func Lookup(ctx context.Context, v Vault, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if v == nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"config references secret %q but no vault is configured", keys[0])
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		val, err := v.Resolve(ctx, k)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "secret %q is not defined", k)
			}
			return nil, err
		}
		out[k] = string(val)
	}
	return out, nil
}

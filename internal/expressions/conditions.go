package expressions

import (
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/bizflow/pkg/schema"
)

// Evaluate folds conditions left to right. The first condition seeds the
// accumulator and each following one joins it with its own LogicalOperator
// (AND when unset), so "A AND B OR C" is ((A AND B) OR C). An empty list is true.
func Evaluate(conditions []schema.Condition, vars map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	acc := EvaluateCondition(conditions[0], vars)
	for _, c := range conditions[1:] {
		v := EvaluateCondition(c, vars)
		if c.LogicalOperator == schema.LogicalOr {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc
}

// EvaluateCondition evaluates a single condition. Unknown operators are false.
func EvaluateCondition(c schema.Condition, vars map[string]any) bool {
	field := Resolve(c.Field, vars)
	want := c.Value

	switch c.Operator {
	case schema.OpEquals:
		return looseEqual(field, want)
	case schema.OpNotEquals:
		return !looseEqual(field, want)
	case schema.OpGreaterThan:
		a, b := ToNumber(field), ToNumber(want)
		return !math.IsNaN(a) && !math.IsNaN(b) && a > b
	case schema.OpLessThan:
		a, b := ToNumber(field), ToNumber(want)
		return !math.IsNaN(a) && !math.IsNaN(b) && a < b
	case schema.OpContains:
		return strings.Contains(Stringify(field), Stringify(want))
	case schema.OpNotContains:
		return !strings.Contains(Stringify(field), Stringify(want))
	case schema.OpStartsWith:
		return strings.HasPrefix(Stringify(field), Stringify(want))
	case schema.OpEndsWith:
		return strings.HasSuffix(Stringify(field), Stringify(want))
	case schema.OpIn:
		found, ok := member(field, want)
		return ok && found
	case schema.OpNotIn:
		found, ok := member(field, want)
		return ok && !found
	case schema.OpIsNull:
		return field == nil
	case schema.OpIsNotNull:
		return field != nil
	case schema.OpMatchesRegex:
		re, err := compileRegex(Stringify(want))
		if err != nil {
			return false
		}
		return re.MatchString(Stringify(field))
	default:
		return false
	}
}

// ToNumber coerces v to float64 with JavaScript Number() semantics for the
// types that reach a variable map: bools are 1/0, strings are trimmed and "" is 0.
// nil and anything unparseable is NaN.
func ToNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return math.NaN()
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return math.NaN()
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// looseEqual treats numbers of different Go kinds as equal when their values
// match, and compares a number with a string by numeric value.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumeric(a) || isNumeric(b) {
		_, aStr := a.(string)
		_, bStr := b.(string)
		if (isNumeric(a) || aStr) && (isNumeric(b) || bStr) {
			x, y := ToNumber(a), ToNumber(b)
			if !math.IsNaN(x) && !math.IsNaN(y) {
				return x == y
			}
			return false
		}
	}
	return reflect.DeepEqual(a, b)
}

// member reports whether needle is in haystack. ok is false when haystack is
// not a slice or array.
func member(needle, haystack any) (found, ok bool) {
	if haystack == nil {
		return false, false
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(needle, rv.Index(i).Interface()) {
			return true, true
		}
	}
	return false, true
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq queries. API_CALL actions use it to cut a response body
// down to the part a workflow stores. $ENV is empty inside queries.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	compile := func(src string) (*gojq.Code, error) {
		q, err := gojq.Parse(src)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	}
	return &GoJQEngine{programs: newProgramCache("jq", compile)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs a jq query against any JSON-shaped input. No output yields nil,
// one output is returned as is and several are collected into []any.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, e.programs.evalError(expression, err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// jqValue widens number types gojq does not accept to float64, recursing
// into maps and slices.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jqValue(item)
		}
		return out
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)

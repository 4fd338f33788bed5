// Package expressions hosts the three expression languages a workflow can use:
// CEL guards CONDITION triggers, expr computes wait conditions and data
// updates, jq reshapes API responses.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/bizflow/pkg/schema"
)

// Engine evaluates expressions against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression with e and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must evaluate to a boolean, got %T", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// programCache memoizes compiled programs by source text. Programs of all
// three languages are safe for concurrent use once compiled.
type programCache[P any] struct {
	lang    string
	compile func(string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](lang string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{lang: lang, compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}

	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation,
			"%s compile error in %q: %s", c.lang, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	c.mu.Lock()
	if prev, ok := c.programs[expression]; ok {
		p = prev
	} else {
		c.programs[expression] = p
	}
	c.mu.Unlock()
	return p, nil
}

// check compiles expression without running it.
func (c *programCache[P]) check(expression string) error {
	_, err := c.get(expression)
	return err
}

func (c *programCache[P]) evalError(expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", c.lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

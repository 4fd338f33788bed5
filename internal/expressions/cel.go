package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// celVariables are the names a CONDITION trigger expression can refer to,
// with the value used when the caller leaves one out.
var celVariables = map[string]func() any{
	"event":     func() any { return "" },
	"payload":   func() any { return map[string]any{} },
	"variables": func() any { return map[string]any{} },
}

// CELEngine evaluates CONDITION-trigger expressions. Its environment declares
// event as a string and payload and variables as map(string, dyn).
type CELEngine struct {
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	dyn := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("payload", dyn),
		cel.Variable("variables", dyn),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	compile := func(src string) (cel.Program, error) {
		ast, issues := env.Compile(src)
		if err := issues.Err(); err != nil {
			return nil, err
		}
		return env.Program(ast)
	}
	return &CELEngine{programs: newProgramCache("CEL", compile)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile reports whether expression type-checks in the trigger environment.
func (e *CELEngine) Compile(expression string) error {
	return e.programs.check(expression)
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	activation := make(map[string]any, len(celVariables))
	for name, zero := range celVariables {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = zero()
		}
	}
	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, e.programs.evalError(expression, err)
	}
	return out.Value(), nil
}

var _ Engine = (*CELEngine)(nil)

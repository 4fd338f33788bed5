package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs expr-lang programs with the execution variables as their
// environment. It backs WAIT until-conditions and DATA_UPDATE value expressions.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	// Programs are compiled untyped: the variable map changes shape between
	// executions and unknown names evaluate to nil.
	compile := func(src string) (*vm.Program, error) {
		return expr.Compile(src, expr.AllowUndefinedVariables())
	}
	return &ExprEngine{programs: newProgramCache("expr", compile)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Compile reports whether expression is valid expr-lang.
func (e *ExprEngine) Compile(expression string) error {
	return e.programs.check(expression)
}

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, e.programs.evalError(expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)

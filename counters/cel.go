package counters

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// celProgram is a compiled rule expression evaluated against the document
// view under the variable "doc".
type celProgram interface {
	eval(doc map[string]any) (bool, error)
}

type celRule struct {
	program cel.Program
}

// compileCEL builds the evaluator for one rule expression. The expression
// must produce a boolean.
func compileCEL(expression string) (celProgram, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty string")
	}
	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.AnyType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling CEL expression: %v", issues.Err())
	}
	p, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error creating Program: %v", err)
	}
	return &celRule{program: p}, nil
}

func (r *celRule) eval(doc map[string]any) (bool, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	out, _, err := r.program.Eval(map[string]any{"doc": doc})
	if err != nil {
		return false, fmt.Errorf("error evaluating CEL expression: %v", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return false, fmt.Errorf("error ConvertToNative, got err: %v", err)
	}
	b, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not produce a boolean, got: %v", nv)
	}
	return b, nil
}

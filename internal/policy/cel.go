package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator compiles and evaluates optional policy conditions against a
// request. Expressions see `tool` (string), `args` and `context` (maps).
// Programs are compiled once and cached; evaluation is safe for concurrent
// use. A condition that fails to compile or evaluate is a non-match, the
// same rule applied to malformed regex predicates.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
	bad      map[string]error
}

// NewCELEvaluator creates a CELEvaluator with the standard variable
// declarations available in policy conditions.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		bad:      make(map[string]error),
	}, nil
}

// Compile parses and type-checks an expression, caching the result. Called
// at policy write and load time, not in the hot path.
func (e *CELEvaluator) Compile(expression string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}
	if err, ok := e.bad[expression]; ok {
		return nil, err
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		err := fmt.Errorf("failed to compile condition %q: %w", expression, issues.Err())
		e.bad[expression] = err
		return nil, err
	}
	if ast.OutputType() != cel.BoolType {
		err := fmt.Errorf("condition %q must evaluate to bool, got %s", expression, ast.OutputType())
		e.bad[expression] = err
		return nil, err
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		err = fmt.Errorf("failed to build condition program for %q: %w", expression, err)
		e.bad[expression] = err
		return nil, err
	}
	e.programs[expression] = prg
	return prg, nil
}

// Evaluate runs the expression against a request. Any failure is reported
// as false.
func (e *CELEvaluator) Evaluate(expression, tool string, args, context map[string]interface{}) bool {
	prg, err := e.Compile(expression)
	if err != nil {
		return false
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if context == nil {
		context = map[string]interface{}{}
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"tool":    tool,
		"args":    args,
		"context": context,
	})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

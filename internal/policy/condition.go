package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// condition is a compiled CEL predicate. Programs are safe for concurrent use.
type condition struct {
	expr string
	prg  cel.Program
}

type conditionEnv struct {
	env *cel.Env
}

func newConditionEnv() (*conditionEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tool", cel.StringType),
		cel.Variable("history", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &conditionEnv{env: env}, nil
}

func (c *conditionEnv) compile(expr string) (*condition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program condition: %w", err)
	}
	return &condition{expr: expr, prg: prg}, nil
}

func (c *condition) eval(vars map[string]any) (bool, error) {
	out, _, err := c.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", c.expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a bool", c.expr)
	}
	return val, nil
}

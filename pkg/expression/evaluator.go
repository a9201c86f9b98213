// Package expression evaluates ${...} expressions used in process definitions
// (flow conditions, called elements, loop cardinality and completion conditions).
package expression

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultMaxSteps bounds the work a single expression may perform.
const DefaultMaxSteps = 1_000_000

// Evaluator evaluates ${...} expressions as Starlark against process variables.
type Evaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewEvaluator creates an evaluator. A zero timeout defaults to one second.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = time.Second
	}
	return &Evaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
	}
}

// IsExpression reports whether s is wrapped in ${ and }.
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// Source returns the Starlark source of an expression; plain text is returned unchanged.
func Source(s string) string {
	s = strings.TrimSpace(s)
	if IsExpression(s) {
		return strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}

// Eval evaluates expr with vars in scope. expr may be wrapped in ${...} or bare Starlark.
func (ev *Evaluator) Eval(ctx context.Context, expr string, vars map[string]interface{}) (interface{}, error) {
	src := Source(expr)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	evalCtx, cancel := context.WithTimeout(ctx, ev.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "expression",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(ev.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	env := predeclared()
	for name, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			continue
		}
		env[name] = sv
	}

	result, err := starlark.Eval(thread, "expression", src, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", src, err)
	}

	out, err := fromStarlarkValue(result)
	if err != nil {
		return nil, fmt.Errorf("failed to convert result of %q: %w", src, err)
	}
	return out, nil
}

// EvalBool evaluates expr and applies Starlark truthiness to the result.
func (ev *Evaluator) EvalBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	v, err := ev.Eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	sv, err := toStarlarkValue(v)
	if err != nil {
		return false, err
	}
	return bool(sv.Truth()), nil
}

// EvalInt resolves a literal integer or an expression yielding one.
func (ev *Evaluator) EvalInt(ctx context.Context, expr string, vars map[string]interface{}) (int, error) {
	if !IsExpression(expr) {
		if n, err := strconv.Atoi(strings.TrimSpace(expr)); err == nil {
			return n, nil
		}
	}
	v, err := ev.Eval(ctx, expr, vars)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expression %q yielded %T, expected an integer", Source(expr), v)
	}
}

// EvalList resolves an expression, or a bare variable name, yielding a list.
func (ev *Evaluator) EvalList(ctx context.Context, expr string, vars map[string]interface{}) ([]interface{}, error) {
	v, err := ev.Eval(ctx, expr, vars)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expression %q yielded %T, expected a list", Source(expr), v)
	}
	return list, nil
}

// ResolveString evaluates s when it is an expression and returns the result as a string;
// plain text is returned as is.
func (ev *Evaluator) ResolveString(ctx context.Context, s string, vars map[string]interface{}) (string, error) {
	if !IsExpression(s) {
		return s, nil
	}
	v, err := ev.Eval(ctx, s, vars)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expression %q yielded %T, expected a string", Source(s), v)
	}
	return str, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

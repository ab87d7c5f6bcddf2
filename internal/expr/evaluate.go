package expr

import (
	"fmt"

	"github.com/ziadkadry99/kinesight/internal/metrics"
)

// Result is the outcome of evaluating a metric path or formula. Failures are
// reported through Success and Error, never by panicking.
type Result struct {
	Value     float64 `json:"value"`
	Formatted string  `json:"formatted"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

func failure(err error) Result {
	return Result{Error: err.Error()}
}

// EvaluateMetric resolves a single metric path against ctx.Current and
// formats it with the metric's registry unit.
func EvaluateMetric(path string, ctx Context) Result {
	p, err := metrics.ParsePath(path)
	if err != nil {
		return failure(err)
	}
	if ctx.Current == nil {
		return failure(fmt.Errorf("no current metrics to resolve %q", path))
	}
	v, err := ctx.Current.ResolvePath(p)
	if err != nil {
		return failure(err)
	}
	if _, err := finite(v); err != nil {
		return failure(err)
	}
	unit := ""
	if def, ok := ctx.registry().Lookup(p.Metric); ok {
		unit = def.Unit
	}
	return Result{Value: v, Formatted: FormatWithUnit(v, unit), Success: true}
}

// EvaluateFormula parses and evaluates a formula. target names the metric
// path that temporal variables refer to; it may be empty when the formula
// uses none.
func EvaluateFormula(src string, ctx Context, target string) Result {
	n, err := Parse(src)
	if err != nil {
		return failure(err)
	}
	return Eval(n, ctx, target)
}

// Eval evaluates an already parsed formula.
func Eval(n Node, ctx Context, target string) Result {
	e := &env{ctx: ctx}
	if target != "" {
		p, err := metrics.ParsePath(target)
		if err != nil {
			return failure(fmt.Errorf("target: %w", err))
		}
		e.target = &p
	}
	v, err := n.eval(e)
	if err != nil {
		return failure(err)
	}
	return Result{Value: v, Formatted: FormatNumber(v), Success: true}
}

// Evaluate renders a stored expression. A bare metric path is formatted with
// its unit like EvaluateMetric; anything else is evaluated as a formula.
func Evaluate(src string, ctx Context, target string) Result {
	if _, err := metrics.ParsePath(src); err == nil {
		return EvaluateMetric(src, ctx)
	}
	return EvaluateFormula(src, ctx, target)
}

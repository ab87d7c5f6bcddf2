package insight

import (
	"fmt"

	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// CheckLimb accepts only the literal limb strings.
func CheckLimb(tag string) error {
	if metrics.Limb(tag).Valid() {
		return nil
	}
	return fmt.Errorf("limb tag %q must be %q or %q", tag, metrics.LimbLeft, metrics.LimbRight)
}

// CheckExpr pre-flights one stored expression: it must parse, reference
// only registered metrics, read at least one metric or temporal variable,
// and name a valid target when it uses temporal variables.
func CheckExpr(reg *registry.Registry, e Expr) []string {
	v := expr.ValidateFormulaWith(reg, e.Formula)
	if !v.Valid {
		return v.Errors
	}
	n, err := expr.Parse(e.Formula)
	if err != nil {
		return []string{err.Error()}
	}
	if len(expr.References(n)) == 0 {
		return []string{fmt.Sprintf("%q is a baked-in constant, not a metric expression", e.Formula)}
	}
	if v.Temporal {
		if e.Target == "" {
			return []string{fmt.Sprintf("%q uses temporal variables but has no target metric", e.Formula)}
		}
		if err := expr.ValidatePath(reg, e.Target); err != nil {
			return []string{fmt.Sprintf("target: %v", err)}
		}
	}
	return nil
}

// CheckBlock returns every problem found in one block.
func CheckBlock(reg *registry.Registry, b Block) []string {
	var problems []string
	for _, f := range b.Fields() {
		for _, p := range CheckExpr(reg, f.Expr) {
			problems = append(problems, fmt.Sprintf("%s.%s: %s", b.Type(), f.Name, p))
		}
	}
	for _, l := range b.Limbs() {
		if err := CheckLimb(l); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", b.Type(), err))
		}
	}
	return problems
}

// CheckBlocks validates every block of every mode, prefixing problems with
// their location.
func CheckBlocks(reg *registry.Registry, a *Analysis) []string {
	var problems []string
	for _, mode := range Modes {
		for i, b := range a.BlocksFor(mode) {
			for _, p := range CheckBlock(reg, b) {
				problems = append(problems, fmt.Sprintf("blocks.%s[%d] %s", mode, i, p))
			}
		}
	}
	return problems
}

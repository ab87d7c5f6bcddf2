package expr

import (
	"fmt"
	"math"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Validation is the pre-flight verdict for a stored formula.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	// Temporal is set when the formula reads temporal variables and so needs
	// a target metric at evaluation time.
	Temporal bool `json:"temporal,omitempty"`
}

// ValidateFormula checks a formula against the default registry.
func ValidateFormula(src string) Validation {
	return ValidateFormulaWith(registry.Default(), src)
}

// ValidateFormulaWith checks syntax, function arity and that every metric
// path names a registered metric under a prefix matching its scope. Parts of
// the formula that read no variables are evaluated up front, so a formula
// that can only fail (sqrt(-1), round(x, 11)) is rejected here.
func ValidateFormulaWith(reg *registry.Registry, src string) Validation {
	n, err := Parse(src)
	if err != nil {
		return Validation{Errors: []string{err.Error()}}
	}
	var v Validation
	for _, ref := range References(n) {
		if IsTemporal(ref) {
			v.Temporal = true
			continue
		}
		if err := ValidatePath(reg, ref); err != nil {
			v.Errors = append(v.Errors, err.Error())
		}
	}
	v.Errors = append(v.Errors, constantErrors(n)...)
	v.Valid = len(v.Errors) == 0
	return v
}

// constantErrors evaluates every largest variable-free subtree and the
// constant precision argument of round.
func constantErrors(root Node) []string {
	var errs []string
	var visit func(Node)
	visit = func(n Node) {
		if len(References(n)) == 0 {
			if _, err := n.eval(&env{}); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", n, err))
			}
			return
		}
		switch x := n.(type) {
		case *unaryNode:
			visit(x.x)
		case *binaryNode:
			visit(x.l)
			visit(x.r)
		case *callNode:
			for _, a := range x.args {
				visit(a)
			}
			if x.fn == "round" && len(x.args) == 2 && len(References(x.args[1])) == 0 {
				if d, err := x.args[1].eval(&env{}); err == nil {
					if d = math.Trunc(d); d < 0 || d > 10 {
						errs = append(errs, fmt.Sprintf("%s: round() precision must be between 0 and 10", x))
					}
				}
			}
		}
	}
	visit(root)
	return errs
}

// ValidatePath checks that a metric path is well formed and registered.
func ValidatePath(reg *registry.Registry, path string) error {
	p, err := metrics.ParsePath(path)
	if err != nil {
		return err
	}
	if p.Prefix == "" {
		return nil
	}
	def, ok := reg.Lookup(p.Metric)
	if !ok {
		return fmt.Errorf("%s: unknown metric %q", path, p.Metric)
	}
	if p.Prefix == metrics.PrefixBilateral && def.Scope != registry.ScopeBilateral {
		return fmt.Errorf("%s: %s is a per-leg metric", path, p.Metric)
	}
	if p.Prefix != metrics.PrefixBilateral && def.Scope != registry.ScopePerLeg {
		return fmt.Errorf("%s: %s is a bilateral metric", path, p.Metric)
	}
	return nil
}

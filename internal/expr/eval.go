package expr

import (
	"fmt"
	"math"
)

// errNonFinite is reported when any intermediate value is NaN or infinite.
var errNonFinite = fmt.Errorf("formula produced a non-finite value")

func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNonFinite
	}
	return v, nil
}

func (n *numberNode) eval(_ *env) (float64, error) { return finite(n.value) }

func (n *refNode) eval(e *env) (float64, error) {
	v, err := e.lookup(n.name)
	if err != nil {
		return 0, err
	}
	return finite(v)
}

func (n *unaryNode) eval(e *env) (float64, error) {
	v, err := n.x.eval(e)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

func (n *binaryNode) eval(e *env) (float64, error) {
	l, err := n.l.eval(e)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(e)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "+":
		return finite(l + r)
	case "-":
		return finite(l - r)
	case "*":
		return finite(l * r)
	case "/":
		if r == 0 {
			return 0, nil
		}
		return finite(l / r)
	case "%":
		if r == 0 {
			return 0, nil
		}
		return finite(math.Mod(l, r))
	}
	return 0, fmt.Errorf("unknown operator %q", n.op)
}

func (n *callNode) eval(e *env) (float64, error) {
	args := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(e)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	var v float64
	switch n.fn {
	case "abs":
		v = math.Abs(args[0])
	case "min":
		v = args[0]
		for _, a := range args[1:] {
			v = math.Min(v, a)
		}
	case "max":
		v = args[0]
		for _, a := range args[1:] {
			v = math.Max(v, a)
		}
	case "round":
		if len(args) == 2 {
			digits := math.Trunc(args[1])
			if digits < 0 || digits > 10 {
				return 0, fmt.Errorf("round() precision must be between 0 and 10")
			}
			p := math.Pow(10, digits)
			v = math.Round(args[0]*p) / p
		} else {
			v = math.Round(args[0])
		}
	case "floor":
		v = math.Floor(args[0])
	case "ceil":
		v = math.Ceil(args[0])
	case "sqrt":
		if args[0] < 0 {
			return 0, fmt.Errorf("sqrt() of negative value %g", args[0])
		}
		v = math.Sqrt(args[0])
	case "pow":
		v = math.Pow(args[0], args[1])
	default:
		return 0, fmt.Errorf("unknown function %q", n.fn)
	}
	return finite(v)
}

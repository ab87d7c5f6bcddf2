package insight

import (
	"encoding/json"

	"github.com/ziadkadry99/kinesight/internal/expr"
)

// Rendered is a block with every expression evaluated against live metrics.
// Failed fields keep their Result with Success=false so a renderer can show
// a placeholder.
type Rendered struct {
	Block  Block
	Values map[string]expr.Result
}

// OK reports whether every field evaluated.
func (r Rendered) OK() bool {
	for _, v := range r.Values {
		if !v.Success {
			return false
		}
	}
	return true
}

// Value returns the formatted value of a field, or "n/a" when it failed.
func (r Rendered) Value(name string) string {
	v, ok := r.Values[name]
	if !ok || !v.Success {
		return "n/a"
	}
	return v.Formatted
}

func (r Rendered) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Block  Envelope               `json:"block"`
		Values map[string]expr.Result `json:"values"`
	}{Envelope{r.Block}, r.Values})
}

// Render evaluates one block.
func Render(b Block, ctx expr.Context) Rendered {
	fields := b.Fields()
	out := Rendered{Block: b, Values: make(map[string]expr.Result, len(fields))}
	for _, f := range fields {
		out.Values[f.Name] = expr.Evaluate(f.Expr.Formula, ctx, f.Expr.Target)
	}
	return out
}

// RenderAll evaluates blocks in order.
func RenderAll(blocks []Block, ctx expr.Context) []Rendered {
	out := make([]Rendered, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Render(b, ctx))
	}
	return out
}

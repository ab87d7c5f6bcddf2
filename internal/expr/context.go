package expr

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Temporal variable names. min and max are functions when called and
// temporal variables when used bare.
const (
	VarCurrent  = "current"
	VarPrevious = "previous"
	VarBaseline = "baseline"
	VarAverage  = "average"
	VarMin      = "min"
	VarMax      = "max"
)

var temporalVars = map[string]bool{
	VarCurrent:  true,
	VarPrevious: true,
	VarBaseline: true,
	VarAverage:  true,
	VarMin:      true,
	VarMax:      true,
}

// IsTemporal reports whether name is a temporal context variable.
func IsTemporal(name string) bool { return temporalVars[name] }

// Context is the data a formula is evaluated against. Current is required;
// the other sessions feed temporal variables for the target metric.
type Context struct {
	Current  *metrics.SessionMetrics
	Previous *metrics.SessionMetrics
	Baseline *metrics.SessionMetrics
	History  []metrics.SessionMetrics
	// Registry supplies units; nil means registry.Default().
	Registry *registry.Registry
}

// NewContext builds the evaluation context for current given the patient's
// earlier sessions in any order. History ends with current; the previous and
// baseline sessions are the latest and earliest earlier ones.
func NewContext(current *metrics.SessionMetrics, past []metrics.SessionMetrics) Context {
	ctx := Context{Current: current}
	if current == nil {
		return ctx
	}
	earlier := make([]metrics.SessionMetrics, 0, len(past)+1)
	for _, s := range past {
		if s.SessionID == current.SessionID || s.RecordedAt.After(current.RecordedAt) {
			continue
		}
		earlier = append(earlier, s)
	}
	metrics.ByRecordedAt(earlier)
	if n := len(earlier); n > 0 {
		ctx.Baseline = &earlier[0]
		ctx.Previous = &earlier[n-1]
	}
	ctx.History = append(earlier, *current)
	return ctx
}

func (c Context) registry() *registry.Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return registry.Default()
}

// env resolves identifiers during evaluation.
type env struct {
	ctx    Context
	target *metrics.Path
}

func (e *env) lookup(name string) (float64, error) {
	if IsTemporal(name) {
		return e.temporal(name)
	}
	if e.ctx.Current == nil {
		return 0, fmt.Errorf("no current metrics to resolve %q", name)
	}
	p, err := metrics.ParsePath(name)
	if err != nil {
		return 0, fmt.Errorf("unknown identifier %q", name)
	}
	return e.ctx.Current.ResolvePath(p)
}

func (e *env) temporal(name string) (float64, error) {
	if e.target == nil {
		return 0, fmt.Errorf("temporal variable %q requires a target metric", name)
	}
	switch name {
	case VarCurrent:
		return e.valueIn(e.ctx.Current, "current")
	case VarPrevious:
		return e.valueIn(e.ctx.Previous, "previous")
	case VarBaseline:
		return e.valueIn(e.ctx.Baseline, "baseline")
	}

	history := e.historyValues()
	if len(history) == 0 {
		return e.valueIn(e.ctx.Current, "current")
	}
	var (
		v   float64
		err error
	)
	switch name {
	case VarAverage:
		v, err = stats.Mean(history)
	case VarMin:
		v, err = stats.Min(history)
	case VarMax:
		v, err = stats.Max(history)
	}
	if err != nil {
		return 0, fmt.Errorf("%s of %s: %w", name, e.target, err)
	}
	return v, nil
}

func (e *env) valueIn(m *metrics.SessionMetrics, label string) (float64, error) {
	if m == nil {
		return 0, fmt.Errorf("no %s session for %s", label, e.target)
	}
	v, err := m.ResolvePath(*e.target)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", label, err)
	}
	return v, nil
}

func (e *env) historyValues() stats.Float64Data {
	var out stats.Float64Data
	for i := range e.ctx.History {
		if v, err := e.ctx.History[i].ResolvePath(*e.target); err == nil {
			out = append(out, v)
		}
	}
	return out
}

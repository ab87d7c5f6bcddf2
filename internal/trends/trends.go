// Package trends computes longitudinal progress for one patient: per-metric
// trend direction, milestones, regressions and a linear projection.
package trends

import (
	"fmt"
	"math"
	"sort"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Direction of a metric over time, in the clinically better sense.
type Direction string

const (
	Improving Direction = "improving"
	Stable    Direction = "stable"
	Declining Direction = "declining"
)

// MilestoneType tags a milestone.
type MilestoneType string

const (
	ThresholdAchieved MilestoneType = "threshold_achieved"
	PersonalBest      MilestoneType = "personal_best"
	Streak            MilestoneType = "streak"
	SymmetryRestored  MilestoneType = "symmetry_restored"
	LimbCatchUp       MilestoneType = "limb_catch_up"
)

const (
	// MinStreak is the number of consecutive improving sessions that make
	// a streak.
	MinStreak = 3
	// MinProjectionSessions is the session count, current included, needed
	// before a projection is emitted.
	MinProjectionSessions = 4
	// ProjectionHorizon is how many sessions ahead a projection looks.
	ProjectionHorizon = 4
	// DefaultRegressionFactor scales the MCID into the regression threshold
	// for domains without their own factor.
	DefaultRegressionFactor = 2.0
)

// regressionFactors are the per-domain MCID multiples past which a decline
// between consecutive sessions is a regression.
var regressionFactors = map[registry.Domain]float64{
	registry.DomainRange:    2.0,
	registry.DomainSymmetry: 1.5,
	registry.DomainPower:    2.0,
	registry.DomainControl:  2.5,
	registry.DomainTiming:   2.0,
}

// RegressionFactor returns the domain's MCID multiple for regressions.
func RegressionFactor(d registry.Domain) float64 {
	if f, ok := regressionFactors[d]; ok {
		return f
	}
	return DefaultRegressionFactor
}

// Trend is one metric path's direction against the previous session.
type Trend struct {
	Metric             string       `json:"metric"`
	Path               string       `json:"path"`
	Limb               metrics.Limb `json:"limb,omitempty"`
	Direction          Direction    `json:"direction"`
	Current            float64      `json:"current"`
	Previous           float64      `json:"previous"`
	Baseline           float64      `json:"baseline"`
	Change             float64      `json:"change"`
	ChangeFromBaseline float64      `json:"changeFromBaseline"`
	MCID               float64      `json:"mcid"`
	Sessions           int          `json:"sessions"`
}

type Milestone struct {
	Type        MilestoneType `json:"type"`
	Metric      string        `json:"metric"`
	Path        string        `json:"path,omitempty"`
	Limb        metrics.Limb  `json:"limb,omitempty"`
	Value       float64       `json:"value"`
	Description string        `json:"description"`
}

// Regression is a decline larger than the metric's regression threshold:
// its MCID times its domain's factor.
type Regression struct {
	Metric    string          `json:"metric"`
	Path      string          `json:"path"`
	Limb      metrics.Limb    `json:"limb,omitempty"`
	Domain    registry.Domain `json:"domain"`
	Previous  float64         `json:"previous"`
	Current   float64         `json:"current"`
	Decline   float64         `json:"decline"`
	Threshold float64         `json:"threshold"`
}

// Progress is the output of the progress stage.
type Progress struct {
	Sessions    int          `json:"sessions"`
	Trends      []Trend      `json:"trends"`
	Milestones  []Milestone  `json:"milestones"`
	Regressions []Regression `json:"regressions"`
	Projections []Projection `json:"projections,omitempty"`
}

// series is one metric path's values, oldest first, current last.
type series struct {
	def    registry.MetricDefinition
	path   string
	limb   metrics.Limb
	values []float64
}

// Analyze folds the current session into the patient's history. History may
// be in any order and may include the current session, which is skipped.
// An empty history yields empty trends and milestones, not an error.
func Analyze(current *metrics.SessionMetrics, history []metrics.SessionMetrics, reg *registry.Registry) (*Progress, error) {
	if current == nil {
		return nil, fmt.Errorf("current session is required")
	}
	if reg == nil {
		reg = registry.Default()
	}

	past := make([]metrics.SessionMetrics, 0, len(history))
	for _, s := range history {
		if s.SessionID != "" && s.SessionID == current.SessionID {
			continue
		}
		if !current.RecordedAt.IsZero() && s.RecordedAt.After(current.RecordedAt) {
			continue
		}
		past = append(past, s)
	}
	metrics.ByRecordedAt(past)

	p := &Progress{
		Sessions:    len(past) + 1,
		Trends:      []Trend{},
		Milestones:  []Milestone{},
		Regressions: []Regression{},
	}
	if len(past) == 0 {
		return p, nil
	}

	for _, s := range collect(current, past, reg) {
		if len(s.values) < 2 {
			continue
		}
		p.Trends = append(p.Trends, trendOf(s))
		p.Milestones = append(p.Milestones, valueMilestones(s)...)
		if r, ok := regressionOf(s); ok {
			p.Regressions = append(p.Regressions, r)
		}
		if pr, ok := project(s); ok {
			p.Projections = append(p.Projections, pr)
		}
	}
	p.Milestones = append(p.Milestones, symmetryMilestones(current, &past[len(past)-1], reg)...)
	return p, nil
}

// collect builds one series per active metric path present in the current
// session, in registry order with the left leg before the right.
func collect(current *metrics.SessionMetrics, past []metrics.SessionMetrics, reg *registry.Registry) []series {
	var out []series
	add := func(def registry.MetricDefinition, prefix metrics.Prefix, limb metrics.Limb) {
		path := metrics.Path{Prefix: prefix, Metric: def.Name}
		cur, err := current.ResolvePath(path)
		if err != nil {
			return
		}
		s := series{def: def, path: path.String(), limb: limb}
		for i := range past {
			if v, err := past[i].ResolvePath(path); err == nil {
				s.values = append(s.values, v)
			}
		}
		s.values = append(s.values, cur)
		out = append(out, s)
	}
	for _, def := range reg.Active() {
		if def.Scope == registry.ScopeBilateral {
			add(def, metrics.PrefixBilateral, "")
			continue
		}
		add(def, metrics.PrefixLeftLeg, metrics.LimbLeft)
		add(def, metrics.PrefixRightLeg, metrics.LimbRight)
	}
	return out
}

// mcid returns the metric's clinically meaningful difference. Definitions
// without one fall back to a tenth of the good-to-poor range.
func mcid(def registry.MetricDefinition) float64 {
	if def.MCID > 0 {
		return def.MCID
	}
	return math.Abs(def.GoodThreshold-def.PoorThreshold) / 10
}

// gain is the change from a to b in the better direction.
func gain(def registry.MetricDefinition, from, to float64) float64 {
	if def.Direction == registry.LowerBetter {
		return from - to
	}
	return to - from
}

func trendOf(s series) Trend {
	n := len(s.values)
	cur, prev, base := s.values[n-1], s.values[n-2], s.values[0]
	m := mcid(s.def)
	dir := Stable
	switch g := gain(s.def, prev, cur); {
	case m > 0 && g >= m:
		dir = Improving
	case m > 0 && g <= -m:
		dir = Declining
	}
	return Trend{
		Metric:             s.def.Name,
		Path:               s.path,
		Limb:               s.limb,
		Direction:          dir,
		Current:            cur,
		Previous:           prev,
		Baseline:           base,
		Change:             cur - prev,
		ChangeFromBaseline: cur - base,
		MCID:               m,
		Sessions:           n,
	}
}

func valueMilestones(s series) []Milestone {
	n := len(s.values)
	cur, prev := s.values[n-1], s.values[n-2]
	def := s.def
	var out []Milestone
	mk := func(t MilestoneType, desc string) Milestone {
		return Milestone{Type: t, Metric: def.Name, Path: s.path, Limb: s.limb, Value: cur, Description: desc}
	}
	label := def.DisplayName
	if s.limb != "" {
		label = string(s.limb) + " " + label
	}

	if registry.CategoryOf(cur, def) == registry.CategoryOptimal && registry.CategoryOf(prev, def) != registry.CategoryOptimal {
		out = append(out, mk(ThresholdAchieved, fmt.Sprintf("%s reached the target range", label)))
	}

	best := true
	for _, v := range s.values[:n-1] {
		if !def.Better(cur, v) {
			best = false
			break
		}
	}
	if best {
		out = append(out, mk(PersonalBest, fmt.Sprintf("%s is a personal best", label)))
	}

	if streak := improvingRun(s); streak >= MinStreak {
		out = append(out, mk(Streak, fmt.Sprintf("%s improved %d sessions in a row", label, streak)))
	}
	return out
}

// improvingRun counts consecutive sessions, ending at the current one, that
// were better than the session before them.
func improvingRun(s series) int {
	run := 0
	for i := len(s.values) - 1; i > 0; i-- {
		if !s.def.Better(s.values[i], s.values[i-1]) {
			break
		}
		run++
	}
	return run
}

func regressionOf(s series) (Regression, bool) {
	n := len(s.values)
	cur, prev := s.values[n-1], s.values[n-2]
	threshold := RegressionFactor(s.def.Domain) * mcid(s.def)
	decline := -gain(s.def, prev, cur)
	if threshold <= 0 || decline <= threshold {
		return Regression{}, false
	}
	return Regression{
		Metric:    s.def.Name,
		Path:      s.path,
		Limb:      s.limb,
		Domain:    s.def.Domain,
		Previous:  prev,
		Current:   cur,
		Decline:   decline,
		Threshold: threshold,
	}, true
}

// symmetryMilestones compares per-leg asymmetry in the current and the most
// recent past session.
func symmetryMilestones(current, previous *metrics.SessionMetrics, reg *registry.Registry) []Milestone {
	prev := make(map[string]registry.LimbAsymmetry)
	for _, a := range reg.Asymmetries(previous) {
		prev[a.Metric] = a
	}
	var out []Milestone
	for _, a := range reg.Asymmetries(current) {
		before, ok := prev[a.Metric]
		if !ok {
			continue
		}
		def, _ := reg.Lookup(a.Metric)
		if a.Percentage < registry.SymmetryRestoredPercent && before.Percentage >= registry.SymmetryRestoredPercent {
			out = append(out, Milestone{
				Type:        SymmetryRestored,
				Metric:      a.Metric,
				Value:       a.Percentage,
				Description: fmt.Sprintf("%s asymmetry dropped from %.1f%% to %.1f%%", def.DisplayName, before.Percentage, a.Percentage),
			})
		}
		if before.DeficitLimb != nil && before.Percentage >= registry.SymmetryRestoredPercent &&
			(a.DeficitLimb == nil || *a.DeficitLimb != *before.DeficitLimb) {
			limb := *before.DeficitLimb
			out = append(out, Milestone{
				Type:        LimbCatchUp,
				Metric:      a.Metric,
				Limb:        limb,
				Value:       a.Percentage,
				Description: fmt.Sprintf("%s caught up with %s on %s", limb, limb.Other(), def.DisplayName),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

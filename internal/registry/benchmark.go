package registry

import (
	"math"

	"github.com/ziadkadry99/kinesight/internal/metrics"
)

// Category buckets a value against its thresholds.
type Category string

const (
	CategoryOptimal   Category = "optimal"
	CategoryAverage   Category = "average"
	CategoryDeficient Category = "deficient"
)

// Classification is the forced, binary reading of a benchmark. There is no
// neutral value.
type Classification string

const (
	Strength Classification = "strength"
	Weakness Classification = "weakness"
)

const (
	// StrengthPercentile breaks ties for average-category metrics.
	StrengthPercentile = 55.0
	// DegeneratePercentile is returned for zero-range definitions.
	DegeneratePercentile = 50.0
	// SymmetryRestoredPercent is the asymmetry below which limbs count as
	// symmetric.
	SymmetryRestoredPercent = 5.0
)

// span is the absolute distance between the good and poor thresholds.
func span(def MetricDefinition) float64 {
	return math.Abs(def.GoodThreshold - def.PoorThreshold)
}

// effectiveGood is the good threshold widened toward poor by the metric's
// MCID: a shortfall smaller than the MCID is not clinically distinguishable
// from reaching the threshold. The tolerance is dropped when it would consume
// the whole good-to-poor range.
func effectiveGood(def MetricDefinition) float64 {
	s := span(def)
	if def.MCID <= 0 || def.MCID >= s {
		return def.GoodThreshold
	}
	if def.Direction == LowerBetter {
		return def.GoodThreshold + def.MCID
	}
	return def.GoodThreshold - def.MCID
}

// Percentile estimates where value sits on a 0-100 scale for the metric.
// Values reaching the effective good threshold land in [90,100], values at or
// past the poor threshold land in [0,10], and everything between is
// interpolated linearly into [10,90]. A definition whose thresholds coincide
// returns 50.
//
// The effective good threshold is the registry's good threshold moved toward
// poor by the MCID (see effectiveGood), so a value up to one MCID short of
// goodThreshold already scores 90 or more and categorizes as optimal. With
// MCID 0 the bands use goodThreshold exactly.
func Percentile(value float64, def MetricDefinition) float64 {
	s := span(def)
	if s == 0 {
		return DegeneratePercentile
	}
	good := effectiveGood(def)
	poor := def.PoorThreshold

	var pct float64
	if def.Direction == LowerBetter {
		switch {
		case value <= good:
			pct = 90 + 10*math.Min(1, (good-value)/s)
		case value >= poor:
			if poor > 0 {
				pct = 10 * poor / value
			} else {
				pct = 10 * math.Max(0, 1-(value-poor)/s)
			}
		default:
			pct = 10 + 80*(poor-value)/(poor-good)
		}
	} else {
		switch {
		case value >= good:
			pct = 90 + 10*math.Min(1, (value-good)/s)
		case value <= poor:
			if poor > 0 {
				pct = 10 * math.Max(0, value) / poor
			} else {
				pct = 10 * math.Max(0, 1-(poor-value)/s)
			}
		default:
			pct = 10 + 80*(value-poor)/(good-poor)
		}
	}
	return clamp(pct, 0, 100)
}

// CategoryOf buckets value using the same threshold comparison as
// Percentile. Zero-range definitions are always average.
func CategoryOf(value float64, def MetricDefinition) Category {
	if span(def) == 0 {
		return CategoryAverage
	}
	good := effectiveGood(def)
	if def.Direction == LowerBetter {
		switch {
		case value <= good:
			return CategoryOptimal
		case value >= def.PoorThreshold:
			return CategoryDeficient
		}
		return CategoryAverage
	}
	switch {
	case value >= good:
		return CategoryOptimal
	case value <= def.PoorThreshold:
		return CategoryDeficient
	}
	return CategoryAverage
}

// ForceClassification maps a category to strength or weakness. Average
// metrics are split at the 55th percentile.
func ForceClassification(cat Category, percentile float64) Classification {
	switch cat {
	case CategoryOptimal:
		return Strength
	case CategoryDeficient:
		return Weakness
	}
	if percentile >= StrengthPercentile {
		return Strength
	}
	return Weakness
}

// AsymmetryResult describes the difference between two limbs.
type AsymmetryResult struct {
	Percentage  float64       `json:"percentage"`
	DeficitLimb *metrics.Limb `json:"deficitLimb"`
}

// Asymmetry returns the symmetric percentage difference 200*|l-r|/(|l|+|r|)
// and the limb on the worse side given the metric direction. Ties yield a
// nil deficit limb.
func Asymmetry(left, right float64, dir Direction) AsymmetryResult {
	denom := math.Abs(left) + math.Abs(right)
	var pct float64
	if denom != 0 {
		pct = 200 * math.Abs(left-right) / denom
	}
	res := AsymmetryResult{Percentage: pct}
	if left == right {
		return res
	}
	var deficit metrics.Limb
	if dir == LowerBetter {
		deficit = metrics.LimbRight
		if left > right {
			deficit = metrics.LimbLeft
		}
	} else {
		deficit = metrics.LimbRight
		if left < right {
			deficit = metrics.LimbLeft
		}
	}
	res.DeficitLimb = &deficit
	return res
}

// Benchmark is the registry's deterministic reading of one metric value.
type Benchmark struct {
	Metric         string         `json:"metric"`
	DisplayName    string         `json:"displayName"`
	Domain         Domain         `json:"domain"`
	Path           string         `json:"path"`
	Limb           metrics.Limb   `json:"limb,omitempty"`
	Value          float64        `json:"value"`
	Unit           string         `json:"unit"`
	Percentile     float64        `json:"percentile"`
	Category       Category       `json:"category"`
	Classification Classification `json:"classification"`
}

// BenchmarkValue computes percentile, category and forced classification
// for one value.
func BenchmarkValue(def MetricDefinition, value float64, limb metrics.Limb) Benchmark {
	pct := Percentile(value, def)
	cat := CategoryOf(value, def)
	path := string(metrics.PrefixBilateral) + "." + def.Name
	if limb != "" {
		path = string(metrics.PrefixFor(limb)) + "." + def.Name
	}
	return Benchmark{
		Metric:         def.Name,
		DisplayName:    def.DisplayName,
		Domain:         def.Domain,
		Path:           path,
		Limb:           limb,
		Value:          value,
		Unit:           def.Unit,
		Percentile:     round1(pct),
		Category:       cat,
		Classification: ForceClassification(cat, pct),
	}
}

// BenchmarkSession benchmarks every active metric present in the session,
// both legs for per-leg metrics. Output follows registry order, left before
// right.
func (r *Registry) BenchmarkSession(m *metrics.SessionMetrics) []Benchmark {
	if m == nil {
		return nil
	}
	var out []Benchmark
	for _, def := range r.Active() {
		if def.Scope == ScopeBilateral {
			if v, ok := m.Bilateral[def.Name]; ok {
				out = append(out, BenchmarkValue(def, v, ""))
			}
			continue
		}
		for _, limb := range []metrics.Limb{metrics.LimbLeft, metrics.LimbRight} {
			if v, ok := m.Leg(limb)[def.Name]; ok {
				out = append(out, BenchmarkValue(def, v, limb))
			}
		}
	}
	return out
}

// LimbAsymmetry is the asymmetry of one per-leg metric within a session.
type LimbAsymmetry struct {
	Metric      string        `json:"metric"`
	Left        float64       `json:"left"`
	Right       float64       `json:"right"`
	Percentage  float64       `json:"percentage"`
	DeficitLimb *metrics.Limb `json:"deficitLimb"`
}

// Asymmetries computes left/right asymmetry for every active per-leg metric
// that has a value on both sides.
func (r *Registry) Asymmetries(m *metrics.SessionMetrics) []LimbAsymmetry {
	if m == nil {
		return nil
	}
	var out []LimbAsymmetry
	for _, def := range r.Active() {
		if def.Scope != ScopePerLeg {
			continue
		}
		l, okL := m.LeftLeg[def.Name]
		rv, okR := m.RightLeg[def.Name]
		if !okL || !okR {
			continue
		}
		a := Asymmetry(l, rv, def.Direction)
		out = append(out, LimbAsymmetry{
			Metric:      def.Name,
			Left:        l,
			Right:       rv,
			Percentage:  round1(a.Percentage),
			DeficitLimb: a.DeficitLimb,
		})
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

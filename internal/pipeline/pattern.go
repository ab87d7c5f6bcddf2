package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
	"github.com/ziadkadry99/kinesight/internal/trends"
)

// PatternType tags a detected pattern.
type PatternType string

const (
	PatternThresholdViolation PatternType = "threshold_violation"
	PatternAsymmetry          PatternType = "asymmetry"
	PatternCorrelation        PatternType = "cross_metric_correlation"
	PatternTemporal           PatternType = "temporal_pattern"
	PatternQualityFlag        PatternType = "quality_flag"
)

var patternTypes = []PatternType{
	PatternThresholdViolation,
	PatternAsymmetry,
	PatternCorrelation,
	PatternTemporal,
	PatternQualityFlag,
}

func (t PatternType) valid() bool {
	for _, v := range patternTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
)

func (s Severity) valid() bool {
	return s == SeverityHigh || s == SeverityModerate || s == SeverityLow
}

// Asymmetry percentages at which a pre-detected asymmetry pattern is raised.
const (
	AsymmetryHighPercent     = 15.0
	AsymmetryModeratePercent = 10.0
)

// Pattern sources.
const (
	SourcePreDetected = "predetected"
	SourceGenerative  = "generative"
)

// DetectedPattern is one structured observation about a session. It carries
// no interpretation.
type DetectedPattern struct {
	ID          string             `json:"id"`
	Type        PatternType        `json:"type"`
	Severity    Severity           `json:"severity"`
	Metrics     []string           `json:"metrics"`
	Values      map[string]float64 `json:"values,omitempty"`
	Limbs       []metrics.Limb     `json:"limbs,omitempty"`
	SearchTerms []string           `json:"searchTerms,omitempty"`
	Description string             `json:"description,omitempty"`
	Source      string             `json:"source"`
}

// QueryText is the text embedded to look the pattern up in the evidence
// cache.
func (p DetectedPattern) QueryText() string {
	parts := []string{strings.ReplaceAll(string(p.Type), "_", " ")}
	for _, m := range p.Metrics {
		if path, err := metrics.ParsePath(m); err == nil {
			parts = append(parts, path.Metric)
			continue
		}
		parts = append(parts, m)
	}
	parts = append(parts, p.SearchTerms...)
	return strings.Join(parts, " ")
}

// key identifies patterns that describe the same observation.
func (p DetectedPattern) key() string {
	ms := append([]string(nil), p.Metrics...)
	sort.Strings(ms)
	ls := make([]string, len(p.Limbs))
	for i, l := range p.Limbs {
		ls[i] = string(l)
	}
	sort.Strings(ls)
	return string(p.Type) + "|" + strings.Join(ms, ",") + "|" + strings.Join(ls, ",")
}

// Decomposition is the output of the decomposition stage.
type Decomposition struct {
	Patterns []DetectedPattern  `json:"patterns"`
	Counts   map[PatternType]int `json:"counts"`
	// PreDetected is how many patterns came from the registry pass.
	PreDetected int `json:"preDetected"`
}

// IDs returns the set of pattern ids.
func (d *Decomposition) IDs() map[string]bool {
	out := make(map[string]bool, len(d.Patterns))
	for _, p := range d.Patterns {
		out[p.ID] = true
	}
	return out
}

// PreDetect runs the registry-driven pattern pass: threshold violations for
// every benchmark that classifies as a weakness, asymmetries between legs,
// and regressions against the previous session when one is given. It is
// pure and deterministic.
func PreDetect(m *metrics.SessionMetrics, previous *metrics.SessionMetrics, reg *registry.Registry) []DetectedPattern {
	if reg == nil {
		reg = registry.Default()
	}
	var out []DetectedPattern

	for _, b := range reg.BenchmarkSession(m) {
		if b.Classification != registry.Weakness {
			continue
		}
		sev := SeverityModerate
		if b.Category == registry.CategoryDeficient {
			sev = SeverityHigh
		}
		p := DetectedPattern{
			ID:          "pd-threshold-" + b.Path,
			Type:        PatternThresholdViolation,
			Severity:    sev,
			Metrics:     []string{b.Path},
			Values:      map[string]float64{b.Path: b.Value},
			SearchTerms: []string{b.DisplayName, "below normative range"},
			Description: fmt.Sprintf("%s is %s (percentile %.0f)", b.DisplayName, b.Category, b.Percentile),
			Source:      SourcePreDetected,
		}
		if b.Limb != "" {
			p.Limbs = []metrics.Limb{b.Limb}
		}
		out = append(out, p)
	}

	for _, a := range reg.Asymmetries(m) {
		if a.DeficitLimb == nil || a.Percentage < AsymmetryModeratePercent {
			continue
		}
		sev := SeverityModerate
		if a.Percentage >= AsymmetryHighPercent {
			sev = SeverityHigh
		}
		def, _ := reg.Lookup(a.Metric)
		left := string(metrics.PrefixLeftLeg) + "." + a.Metric
		right := string(metrics.PrefixRightLeg) + "." + a.Metric
		out = append(out, DetectedPattern{
			ID:          "pd-asymmetry-" + a.Metric,
			Type:        PatternAsymmetry,
			Severity:    sev,
			Metrics:     []string{left, right},
			Values:      map[string]float64{left: a.Left, right: a.Right},
			Limbs:       []metrics.Limb{*a.DeficitLimb},
			SearchTerms: []string{def.DisplayName, "limb asymmetry"},
			Description: fmt.Sprintf("%s differs by %.1f%% between legs; %s is the deficit side", def.DisplayName, a.Percentage, *a.DeficitLimb),
			Source:      SourcePreDetected,
		})
	}

	if previous != nil {
		prog, err := trends.Analyze(m, []metrics.SessionMetrics{*previous}, reg)
		if err == nil {
			for _, r := range prog.Regressions {
				def, _ := reg.Lookup(r.Metric)
				p := DetectedPattern{
					ID:          "pd-temporal-" + r.Path,
					Type:        PatternTemporal,
					Severity:    SeverityModerate,
					Metrics:     []string{r.Path},
					Values:      map[string]float64{r.Path: r.Current},
					SearchTerms: []string{def.DisplayName, "regression"},
					Description: fmt.Sprintf("%s declined %.1f since the previous session", def.DisplayName, r.Decline),
					Source:      SourcePreDetected,
				}
				if r.Limb != "" {
					p.Limbs = []metrics.Limb{r.Limb}
				}
				out = append(out, p)
			}
		}
	}
	return out
}

// ErrMalformedPatterns marks decomposition output that cannot be ingested.
var ErrMalformedPatterns = errors.New("malformed decomposition output")

func malformedPatterns(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPatterns, fmt.Sprintf(format, args...))
}

// ParsePatterns ingests the generative decomposition payload field by
// field. Unknown types, unknown severities and limb tags other than the
// literal limb strings are rejected, never guessed.
func ParsePatterns(payload string) ([]DetectedPattern, error) {
	if !gjson.Valid(payload) {
		return nil, malformedPatterns("payload is not valid JSON")
	}
	root := gjson.Parse(payload)
	list := root
	if root.IsObject() {
		list = root.Get("patterns")
	}
	if !list.Exists() || list.Type == gjson.Null {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, malformedPatterns("patterns must be an array")
	}

	var out []DetectedPattern
	for i, item := range list.Array() {
		if !item.IsObject() {
			return nil, malformedPatterns("patterns[%d] is not an object", i)
		}
		p := DetectedPattern{
			ID:          strings.TrimSpace(item.Get("id").String()),
			Type:        PatternType(strings.ToLower(strings.TrimSpace(item.Get("type").String()))),
			Severity:    Severity(strings.ToLower(strings.TrimSpace(item.Get("severity").String()))),
			Description: item.Get("description").String(),
			Source:      SourceGenerative,
		}
		if !p.Type.valid() {
			return nil, malformedPatterns("patterns[%d] has unknown type %q", i, p.Type)
		}
		if p.Severity == "" {
			p.Severity = SeverityModerate
		}
		if !p.Severity.valid() {
			return nil, malformedPatterns("patterns[%d] has unknown severity %q", i, p.Severity)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("gp-%d", i+1)
		}

		for _, m := range stringsOf(item.Get("metrics")) {
			if _, err := metrics.ParsePath(m); err != nil {
				return nil, malformedPatterns("patterns[%d]: %v", i, err)
			}
			p.Metrics = append(p.Metrics, m)
		}
		if len(p.Metrics) == 0 {
			return nil, malformedPatterns("patterns[%d] names no metrics", i)
		}

		values := item.Get("values")
		if values.IsObject() {
			p.Values = make(map[string]float64)
			values.ForEach(func(k, v gjson.Result) bool {
				if v.Type == gjson.Number {
					p.Values[k.String()] = v.Float()
				}
				return true
			})
		}

		limbs := item.Get("limbs")
		if !limbs.Exists() {
			limbs = item.Get("limb")
		}
		for _, l := range stringsOf(limbs) {
			limb := metrics.Limb(l)
			if !limb.Valid() {
				return nil, malformedPatterns("patterns[%d] limb tag %q must be %q or %q", i, l, metrics.LimbLeft, metrics.LimbRight)
			}
			p.Limbs = append(p.Limbs, limb)
		}

		p.SearchTerms = stringsOf(item.Get("searchTerms"))
		if len(p.SearchTerms) == 0 {
			p.SearchTerms = append(p.SearchTerms, p.Description)
		}
		out = append(out, p)
	}
	return out, nil
}

// stringsOf accepts a string or an array of strings.
func stringsOf(r gjson.Result) []string {
	var out []string
	if !r.Exists() {
		return out
	}
	if r.Type == gjson.String {
		if s := strings.TrimSpace(r.String()); s != "" {
			out = append(out, s)
		}
		return out
	}
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// mergePatterns combines pre-detected and generative patterns. A generative
// pattern describing the same observation as a pre-detected one is dropped,
// and generative ids that collide are suffixed.
func mergePatterns(pre, gen []DetectedPattern) *Decomposition {
	d := &Decomposition{Counts: make(map[PatternType]int), PreDetected: len(pre)}
	seen := make(map[string]bool)
	ids := make(map[string]bool)
	add := func(p DetectedPattern) {
		if seen[p.key()] {
			return
		}
		seen[p.key()] = true
		for base, n := p.ID, 2; ids[p.ID]; n++ {
			p.ID = fmt.Sprintf("%s-%d", base, n)
		}
		ids[p.ID] = true
		d.Patterns = append(d.Patterns, p)
		d.Counts[p.Type]++
	}
	for _, p := range pre {
		add(p)
	}
	for _, p := range gen {
		add(p)
	}
	if d.Patterns == nil {
		d.Patterns = []DetectedPattern{}
	}
	return d
}

package pipeline

import (
	"fmt"
	"math"
	"strings"

	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Check names a validation rule.
type Check string

const (
	CheckMetricAccuracy Check = "metric_accuracy"
	CheckHallucination  Check = "hallucination"
	CheckClinicalSafety Check = "clinical_safety"
	CheckConsistency    Check = "consistency"
	CheckBlocks         Check = "blocks"
)

// Issue is one validation finding.
type Issue struct {
	Check     Check  `json:"check"`
	InsightID string `json:"insightId,omitempty"`
	Message   string `json:"message"`
}

func (i Issue) String() string {
	if i.InsightID != "" {
		return fmt.Sprintf("[%s] insight %s: %s", i.Check, i.InsightID, i.Message)
	}
	return fmt.Sprintf("[%s] %s", i.Check, i.Message)
}

// Validation is the verdict on one synthesis attempt. Errors block the
// result; warnings are reported alongside it.
type Validation struct {
	Passed   bool    `json:"passed"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	Revision int     `json:"revision"`
}

func (v *Validation) errorf(check Check, id, format string, args ...any) {
	v.Errors = append(v.Errors, Issue{Check: check, InsightID: id, Message: fmt.Sprintf(format, args...)})
}

func (v *Validation) warnf(check Check, id, format string, args ...any) {
	v.Warnings = append(v.Warnings, Issue{Check: check, InsightID: id, Message: fmt.Sprintf(format, args...)})
}

// citedTolerance is how far a quoted value may drift from the metric before
// it counts as misquoted: 0.1 absolute or 0.5% relative, whichever is
// larger.
func citedTolerance(actual float64) float64 {
	return math.Max(0.1, 0.005*math.Abs(actual))
}

// Validate checks a synthesis result against the session, the detected
// patterns and the research evidence.
func Validate(a *insight.Analysis, m *metrics.SessionMetrics, d *Decomposition, r *Research, reg *registry.Registry) *Validation {
	if reg == nil {
		reg = registry.Default()
	}
	v := &Validation{Errors: []Issue{}, Warnings: []Issue{}}

	patternIDs := map[string]bool{}
	if d != nil {
		patternIDs = d.IDs()
	}
	insufficient := map[string]bool{}
	var supported []string
	if r != nil {
		for _, id := range r.Insufficient {
			insufficient[id] = true
		}
		supported = append(supported, r.Citations()...)
	}
	for _, def := range reg.All() {
		if def.Citation != "" {
			supported = append(supported, def.Citation)
		}
	}

	all := a.AllInsights()
	if len(all) == 0 && len(patternIDs) > 0 {
		v.errorf(CheckConsistency, "", "no insights were produced for %d detected patterns", len(patternIDs))
	}

	for _, in := range all {
		// (a) metric accuracy
		for _, p := range in.Metrics {
			if _, err := m.Resolve(p); err != nil {
				v.errorf(CheckMetricAccuracy, in.ID, "metric %q: %v", p, err)
			}
		}
		for _, cv := range in.CitedValues {
			actual, err := m.Resolve(cv.Path)
			if err != nil {
				v.errorf(CheckMetricAccuracy, in.ID, "cited value for %q: %v", cv.Path, err)
				continue
			}
			if math.Abs(cv.Value-actual) > citedTolerance(actual) {
				v.errorf(CheckMetricAccuracy, in.ID, "cites %s = %s but the session value is %s",
					cv.Path, expr.FormatNumber(cv.Value), expr.FormatNumber(actual))
			}
		}

		// (b) hallucination
		if len(in.PatternIDs) == 0 {
			v.warnf(CheckHallucination, in.ID, "insight is not linked to any detected pattern")
		}
		weak := len(in.PatternIDs) > 0
		for _, id := range in.PatternIDs {
			if !patternIDs[id] {
				v.errorf(CheckHallucination, in.ID, "references pattern %q which was not detected", id)
				weak = false
				continue
			}
			if !insufficient[id] {
				weak = false
			}
		}

		// (c) clinical safety
		if len(in.Citations) == 0 {
			v.errorf(CheckClinicalSafety, in.ID, "insight carries no evidence citation")
		}
		for _, c := range in.Citations {
			if !citationSupported(c, supported) {
				v.errorf(CheckClinicalSafety, in.ID, "citation %q is not among the researched evidence", c)
			}
		}
		if weak {
			v.warnf(CheckClinicalSafety, in.ID, "every linked pattern has only tier D evidence or none")
		}

		// (d) internal consistency
		if in.Classification != registry.Strength && in.Classification != registry.Weakness {
			v.errorf(CheckConsistency, in.ID, "classification %q must be %q or %q", in.Classification, registry.Strength, registry.Weakness)
		}
		for _, l := range in.Limbs {
			if err := insight.CheckLimb(l); err != nil {
				v.errorf(CheckConsistency, in.ID, "%v", err)
			}
		}
		if msg := limbMismatch(in); msg != "" {
			v.warnf(CheckConsistency, in.ID, "%s", msg)
		}
	}

	for _, path := range a.Unresolved {
		v.errorf(CheckMetricAccuracy, "", "benchmark %q has no computed benchmark for this session", path)
	}
	for _, p := range insight.CheckBlocks(reg, a) {
		v.errorf(CheckBlocks, "", "%s", p)
	}
	for _, t := range a.Truncated {
		v.warnf(CheckConsistency, "", "output truncated: %s", t)
	}

	v.Passed = len(v.Errors) == 0
	return v
}

// minCitationMatch is the shortest citation accepted as a prefix-style
// abbreviation of a researched one.
const minCitationMatch = 6

func citationSupported(c string, supported []string) bool {
	c = evidence.NormalizeCitation(c)
	for _, s := range supported {
		s = evidence.NormalizeCitation(s)
		if c == s {
			return true
		}
		if len(c) >= minCitationMatch && len(s) >= minCitationMatch && (strings.Contains(s, c) || strings.Contains(c, s)) {
			return true
		}
	}
	return false
}

// limbMismatch flags an insight tagged with a limb whose per-leg metrics
// all belong to the other leg.
func limbMismatch(in insight.Insight) string {
	if len(in.Limbs) != 1 {
		return ""
	}
	tag := metrics.Limb(in.Limbs[0])
	if !tag.Valid() {
		return ""
	}
	var legs, other int
	for _, m := range in.Metrics {
		p, err := metrics.ParsePath(m)
		if err != nil {
			continue
		}
		limb, ok := p.Prefix.Limb()
		if !ok {
			continue
		}
		legs++
		if limb != tag {
			other++
		}
	}
	if legs > 0 && legs == other {
		return fmt.Sprintf("tagged %s but every per-leg metric is from %s", tag, tag.Other())
	}
	return ""
}

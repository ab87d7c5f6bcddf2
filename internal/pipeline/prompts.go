package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/insight"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

const decompositionSystem = `You are a biomechanics analyst. You describe patterns in computed knee-movement metrics without interpreting them clinically. Return only JSON.`

const decompositionTemplate = `Identify patterns in this session's metrics. Some patterns were already detected programmatically and are listed below; do not repeat them.

Return a JSON object:
{
  "patterns": [
    {
      "id": "short unique id",
      "type": "threshold_violation|asymmetry|cross_metric_correlation|temporal_pattern|quality_flag",
      "severity": "high|moderate|low",
      "metrics": ["metric paths such as leftLeg.peakFlexion or bilateral.romAsymmetry"],
      "values": {"metric path": 0},
      "limbs": ["Left Leg" or "Right Leg", never abbreviations],
      "searchTerms": ["terms for a literature search"],
      "description": "what was observed"
    }
  ]
}

Session metrics:
%s

Previous session metrics:
%s

Already detected:
%s`

const researchSystem = `You are a clinical research librarian for knee rehabilitation. Cite only published sources you are confident exist. Grade every source by rigor: S systematic review or meta-analysis, A randomized controlled trial, B cohort study, C case series or expert consensus, D anecdotal or unclear. Return only JSON.`

const researchTemplate = `Find evidence relevant to this movement pattern.

Pattern:
%s

Return a JSON object:
{
  "evidence": [
    {
      "tier": "S|A|B|C|D",
      "sourceType": "web_search|embedded_knowledge",
      "citation": "Author Year, Journal",
      "url": "optional",
      "findings": ["one finding per entry"],
      "relevanceScore": 0
    }
  ]
}`

const synthesisSystem = `You are a clinical insight writer for knee rehabilitation. You ground every statement in the supplied benchmarks and evidence. You never write a metric's number into a visualization block; blocks hold expressions over metric paths that are evaluated later. Return only JSON.`

const synthesisTemplate = `Write insights for this session.

Rules:
- At most %d insights and %d correlative insights.
- Every insight cites at least one evidence citation exactly as given.
- classification is "strength" or "weakness", matching the benchmark classification of the insight's first metric.
- Limb tags are exactly "Left Leg" or "Right Leg".
- patternIds reference only the pattern ids below.
- citedValues quote metric values exactly as given.
- benchmarks lists up to %d metric paths to feature.
- blocks hold at most %d blocks per mode (clinician, patient). Block types: executive_summary, stat_card, alert_card, comparison_card, progress_card, metric_grid, quote_card, chart, next_steps.
- Numeric block fields are expressions: a metric path ("leftLeg.peakFlexion"), a formula ("abs(leftLeg.peakFlexion - rightLeg.peakFlexion)"), or an object {"formula": "current - baseline", "target": "leftLeg.peakFlexion"} for temporal variables (current, previous, baseline, average, min, max). Never a number.

Return a JSON object:
{
  "insights": [
    {
      "id": "short id",
      "domain": "range|symmetry|power|control|timing",
      "title": "headline",
      "summary": "two sentences",
      "classification": "strength|weakness",
      "limbs": ["Left Leg"],
      "metrics": ["leftLeg.peakFlexion"],
      "citedValues": [{"path": "leftLeg.peakFlexion", "value": 0}],
      "citations": ["citation"],
      "patternIds": ["pattern id"]
    }
  ],
  "correlativeInsights": [],
  "benchmarks": ["leftLeg.peakFlexion"],
  "blocks": {"clinician": [], "patient": []}
}

Available metric paths:
%s

Benchmarks (computed, authoritative):
%s

Patterns:
%s

Evidence by pattern:
%s`

const revisionTemplate = `

Your previous answer failed validation (revision %d of %d). Fix every issue below and return the complete corrected JSON:
%s`

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "null"
	}
	return string(data)
}

func buildDecompositionPrompt(m, previous *metrics.SessionMetrics, pre []DetectedPattern) string {
	prev := "none"
	if previous != nil {
		prev = toJSON(previous.Flatten())
	}
	return fmt.Sprintf(decompositionTemplate, toJSON(m.Flatten()), prev, toJSON(pre))
}

func buildResearchPrompt(p DetectedPattern) string {
	return fmt.Sprintf(researchTemplate, toJSON(p))
}

type synthesisInput struct {
	metrics    *metrics.SessionMetrics
	benchmarks []registry.Benchmark
	patterns   []DetectedPattern
	research   *Research
}

func buildSynthesisPrompt(in synthesisInput, issues []Issue, revision int) string {
	ev := make(map[string][]evidencePrompt, len(in.patterns))
	for _, p := range in.patterns {
		for _, e := range in.research.Evidence[p.ID] {
			ev[p.ID] = append(ev[p.ID], evidencePrompt{Tier: e.Tier, Citation: e.Citation, Findings: e.Findings})
		}
	}
	prompt := fmt.Sprintf(synthesisTemplate,
		insight.MaxInsights, insight.MaxCorrelativeInsights, insight.MaxBenchmarks, insight.MaxBlocksPerMode,
		strings.Join(in.metrics.Paths(), "\n"),
		toJSON(in.benchmarks),
		toJSON(in.patterns),
		toJSON(ev),
	)
	if len(issues) > 0 {
		var b strings.Builder
		for _, is := range issues {
			fmt.Fprintf(&b, "- %s\n", is)
		}
		prompt += fmt.Sprintf(revisionTemplate, revision, MaxRevisions-1, b.String())
	}
	return prompt
}

type evidencePrompt struct {
	Tier     evidence.Tier `json:"tier"`
	Citation string        `json:"citation"`
	Findings []string      `json:"findings"`
}

// withPractice appends the clinic profile, when one is configured.
func (o *Orchestrator) withPractice(prompt string) string {
	if o.practice == "" {
		return prompt
	}
	return prompt + "\n\nPRACTICE CONTEXT (frame wording for this practice; not evidence):\n" + o.practice
}

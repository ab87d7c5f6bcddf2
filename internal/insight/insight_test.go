package insight

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

func session() *metrics.SessionMetrics {
	return &metrics.SessionMetrics{
		SessionID:  "s-1",
		LeftLeg:    map[string]float64{"peakFlexion": 98},
		RightLeg:   map[string]float64{"peakFlexion": 119},
		Bilateral:  map[string]float64{"romAsymmetry": 17.2},
		RecordedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func precomputed() []registry.Benchmark {
	return registry.Default().BenchmarkSession(session())
}

const payload = `{
  "insights": [{
    "id": "i-1",
    "title": "Left flexion deficit",
    "classification": "Weakness",
    "limb": "Left Leg",
    "metrics": ["leftLeg.peakFlexion"],
    "citedValues": [{"path": "leftLeg.peakFlexion", "value": 98}],
    "citations": ["Hancock 2018", {"citation": "Noll 2015"}],
    "patternIds": ["p-1"]
  }],
  "benchmarks": ["leftLeg.peakFlexion", {"path": "rightLeg.peakFlexion"}, "leftLeg.nope", "leftLeg.peakFlexion"],
  "blocks": {
    "clinician": [
      {"type": "comparison_card", "label": "Flexion", "left": "leftLeg.peakFlexion", "right": "rightLeg.peakFlexion",
       "asymmetry": "abs(leftLeg.peakFlexion - rightLeg.peakFlexion)", "deficitLimb": "Left Leg"},
      {"type": "stat_card", "label": "Asymmetry", "value": {"formula": "bilateral.romAsymmetry"}}
    ],
    "patient": [
      {"type": "next_steps", "steps": ["Keep stretching"]}
    ]
  }
}`

func TestParseAnalysis(t *testing.T) {
	a, err := ParseAnalysis(payload, precomputed())
	require.NoError(t, err)

	require.Len(t, a.Insights, 1)
	in := a.Insights[0]
	assert.Equal(t, registry.Weakness, in.Classification)
	assert.Equal(t, registry.DomainRange, in.Domain, "domain defaults from the first metric")
	assert.Equal(t, []string{"Left Leg"}, in.Limbs)
	assert.Equal(t, []string{"Hancock 2018", "Noll 2015"}, in.Citations)
	assert.Equal(t, []CitedValue{{Path: "leftLeg.peakFlexion", Value: 98}}, in.CitedValues)

	require.Len(t, a.Benchmarks, 2)
	assert.Equal(t, 98.0, a.Benchmarks[0].Value, "benchmark values come from the registry")
	assert.Equal(t, []string{"leftLeg.nope"}, a.Unresolved)

	require.Len(t, a.Blocks[ModeClinician], 2)
	cmp1, ok := a.Blocks[ModeClinician][0].Block.(*ComparisonCard)
	require.True(t, ok)
	assert.Equal(t, "Left Leg", cmp1.Deficit)
	assert.Equal(t, "abs(leftLeg.peakFlexion - rightLeg.peakFlexion)", cmp1.Asymmetry.Formula)

	steps := a.Blocks[ModePatient][0].Block.(*NextSteps)
	assert.Equal(t, "Next steps", steps.Title)
}

func TestParseAnalysisDefaultsMissingID(t *testing.T) {
	a, err := ParseAnalysis(`{"insights":[{"title":"x","citations":["c"]}]}`, nil)
	require.NoError(t, err)
	require.Len(t, a.Insights, 1)
	assert.NotEmpty(t, a.Insights[0].ID)
}

func TestParseAnalysisCapsLists(t *testing.T) {
	var items []string
	for i := 0; i < 9; i++ {
		items = append(items, `{"title":"t"}`)
	}
	var blocks []string
	for i := 0; i < 7; i++ {
		blocks = append(blocks, `{"type":"quote_card","quote":"q","citation":"c"}`)
	}
	raw := `{"insights":[` + strings.Join(items, ",") + `],` +
		`"correlativeInsights":[` + strings.Join(items[:4], ",") + `],` +
		`"blocks":{"patient":[` + strings.Join(blocks, ",") + `]}}`

	a, err := ParseAnalysis(raw, nil)
	require.NoError(t, err)
	assert.Len(t, a.Insights, MaxInsights)
	assert.Len(t, a.Correlative, MaxCorrelativeInsights)
	assert.Len(t, a.Blocks[ModePatient], MaxBlocksPerMode)
	assert.Len(t, a.Truncated, 3)
}

func TestParseAnalysisRejectsMalformedShapes(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"insights": [`,
		"not object":       `[1,2]`,
		"insights object":  `{"insights": {"a": 1}}`,
		"blocks array":     `{"blocks": []}`,
		"unknown type":     `{"blocks": {"clinician": [{"type": "hologram"}]}}`,
		"literal number":   `{"blocks": {"clinician": [{"type": "stat_card", "value": 98}]}}`,
		"missing value":    `{"blocks": {"clinician": [{"type": "stat_card", "label": "x"}]}}`,
		"cited non-number": `{"insights": [{"citedValues": [{"path": "leftLeg.peakFlexion", "value": "98"}]}]}`,
		"empty grid":       `{"blocks": {"patient": [{"type": "metric_grid", "items": []}]}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAnalysis(raw, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), err.Error())
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := []Envelope{
		{&StatCard{Label: "Flexion", Value: Expr{Formula: "leftLeg.peakFlexion"}, Limb: "Left Leg"}},
		{&ProgressCard{Label: "Trend", Current: Expr{Formula: "current", Target: "leftLeg.peakFlexion"}, Change: Expr{Formula: "current - baseline", Target: "leftLeg.peakFlexion"}}},
		{&MetricGrid{Title: "Range", Items: []GridItem{{Label: "L", Value: Expr{Formula: "leftLeg.rom"}}}}},
		{&Chart{Title: "c", ChartType: "line", Points: []ChartPoint{{Label: "a", Value: Expr{Formula: "rightLeg.rom"}}}}},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"stat_card"`)

	var out []Envelope
	require.NoError(t, json.Unmarshal(data, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderBlocks(t *testing.T) {
	ctx := expr.Context{Current: session()}
	card := &ComparisonCard{
		Label:     "Flexion",
		Left:      Expr{Formula: "leftLeg.peakFlexion"},
		Right:     Expr{Formula: "rightLeg.peakFlexion"},
		Asymmetry: Expr{Formula: "abs(leftLeg.peakFlexion - rightLeg.peakFlexion)"},
	}
	r := Render(card, ctx)
	assert.True(t, r.OK())
	assert.Equal(t, "98°", r.Value("left"))
	assert.Equal(t, "119°", r.Value("right"))
	assert.Equal(t, "21", r.Value("asymmetry"))

	bad := Render(&StatCard{Value: Expr{Formula: "leftLeg.rom"}}, ctx)
	assert.False(t, bad.OK())
	assert.Equal(t, "n/a", bad.Value("value"))
}

func TestRenderTemporalField(t *testing.T) {
	prev := session()
	prev.LeftLeg = map[string]float64{"peakFlexion": 90}
	ctx := expr.Context{Current: session(), Previous: prev}

	r := Render(&ProgressCard{
		Current: Expr{Formula: "current", Target: "leftLeg.peakFlexion"},
		Change:  Expr{Formula: "current - previous", Target: "leftLeg.peakFlexion"},
	}, ctx)
	require.True(t, r.OK())
	assert.Equal(t, "98", r.Value("current"))
	assert.Equal(t, "8", r.Value("change"))
}

func TestCheckBlock(t *testing.T) {
	reg := registry.Default()
	tests := []struct {
		name  string
		block Block
		want  int
	}{
		{"clean", &StatCard{Value: Expr{Formula: "leftLeg.peakFlexion"}, Limb: "Left Leg"}, 0},
		{"abbreviated limb", &StatCard{Value: Expr{Formula: "leftLeg.peakFlexion"}, Limb: "L"}, 1},
		{"constant", &StatCard{Value: Expr{Formula: "98"}}, 1},
		{"unknown metric", &StatCard{Value: Expr{Formula: "leftLeg.wobble"}}, 1},
		{"per-leg as bilateral", &StatCard{Value: Expr{Formula: "bilateral.peakFlexion"}}, 1},
		{"temporal without target", &ProgressCard{Current: Expr{Formula: "current"}}, 1},
		{"temporal with target", &ProgressCard{Current: Expr{Formula: "current", Target: "rightLeg.rom"}}, 0},
		{"bad deficit limb", &ComparisonCard{Left: Expr{Formula: "leftLeg.rom"}, Right: Expr{Formula: "rightLeg.rom"}, Deficit: "left"}, 1},
		{"syntax", &MetricGrid{Items: []GridItem{{Value: Expr{Formula: "leftLeg.rom +"}}}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckBlock(reg, tt.block)
			assert.Len(t, got, tt.want, "%v", got)
		})
	}
}

func TestCheckLimb(t *testing.T) {
	assert.NoError(t, CheckLimb("Left Leg"))
	assert.NoError(t, CheckLimb("Right Leg"))
	for _, bad := range []string{"L", "left", "Left", "LL", "right leg", ""} {
		assert.Error(t, CheckLimb(bad), bad)
	}
}

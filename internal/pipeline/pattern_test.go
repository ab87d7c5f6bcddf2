package pipeline

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/kinesight/internal/metrics"
)

func TestPreDetectFlexionDeficit(t *testing.T) {
	got := PreDetect(scenario(), nil, nil)
	require.Len(t, got, 2)

	threshold := got[0]
	assert.Equal(t, "pd-threshold-leftLeg.peakFlexion", threshold.ID)
	assert.Equal(t, PatternThresholdViolation, threshold.Type)
	assert.Equal(t, SeverityModerate, threshold.Severity, "average category is not deficient")
	assert.Equal(t, []metrics.Limb{metrics.LimbLeft}, threshold.Limbs)
	assert.Equal(t, SourcePreDetected, threshold.Source)

	asym := got[1]
	assert.Equal(t, "pd-asymmetry-peakFlexion", asym.ID)
	assert.Equal(t, SeverityHigh, asym.Severity)
	assert.Equal(t, []string{"leftLeg.peakFlexion", "rightLeg.peakFlexion"}, asym.Metrics)
	assert.Equal(t, []metrics.Limb{metrics.LimbLeft}, asym.Limbs)
	assert.Equal(t, map[string]float64{"leftLeg.peakFlexion": 98, "rightLeg.peakFlexion": 119}, asym.Values)
}

func TestPreDetectIsDeterministic(t *testing.T) {
	if diff := cmp.Diff(PreDetect(scenario(), nil, nil), PreDetect(scenario(), nil, nil)); diff != "" {
		t.Errorf("PreDetect not deterministic (-first +second):\n%s", diff)
	}
}

func TestPreDetectSymmetricSessionIsQuiet(t *testing.T) {
	m := &metrics.SessionMetrics{
		SessionID: "s-2",
		LeftLeg:   map[string]float64{"peakFlexion": 130},
		RightLeg:  map[string]float64{"peakFlexion": 128},
	}
	assert.Empty(t, PreDetect(m, nil, nil))
}

func TestPreDetectTemporalRegression(t *testing.T) {
	prev := scenario()
	prev.SessionID = "s-0"
	prev.RecordedAt = day0.AddDate(0, 0, -7)
	prev.LeftLeg = map[string]float64{"peakFlexion": 118}
	prev.RightLeg = map[string]float64{"peakFlexion": 119}

	var temporal []DetectedPattern
	for _, p := range PreDetect(scenario(), prev, nil) {
		if p.Type == PatternTemporal {
			temporal = append(temporal, p)
		}
	}
	require.Len(t, temporal, 1, "only the left leg fell by more than twice the MCID")
	assert.Equal(t, "pd-temporal-leftLeg.peakFlexion", temporal[0].ID)
	assert.Equal(t, []metrics.Limb{metrics.LimbLeft}, temporal[0].Limbs)
	assert.Equal(t, 98.0, temporal[0].Values["leftLeg.peakFlexion"])
}

func TestParsePatterns(t *testing.T) {
	got, err := ParsePatterns(`{"patterns": [
		{"type": "Cross_Metric_Correlation", "severity": "LOW", "metrics": ["leftLeg.peakFlexion", "bilateral.cadence"],
		 "description": "Flexion deficit with slow cadence", "values": {"bilateral.cadence": 88, "note": "x"}},
		{"id": "q-1", "type": "quality_flag", "metrics": "leftLeg.jerkRMS", "limb": "Left Leg", "searchTerms": ["sensor noise"]}
	]}`)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "gp-1", got[0].ID)
	assert.Equal(t, PatternCorrelation, got[0].Type)
	assert.Equal(t, SeverityLow, got[0].Severity)
	assert.Equal(t, map[string]float64{"bilateral.cadence": 88}, got[0].Values)
	assert.Equal(t, []string{"Flexion deficit with slow cadence"}, got[0].SearchTerms)
	assert.Equal(t, SourceGenerative, got[0].Source)

	assert.Equal(t, "q-1", got[1].ID)
	assert.Equal(t, SeverityModerate, got[1].Severity)
	assert.Equal(t, []string{"leftLeg.jerkRMS"}, got[1].Metrics)
	assert.Equal(t, []metrics.Limb{metrics.LimbLeft}, got[1].Limbs)
}

func TestParsePatternsAcceptsBareArrayAndEmpty(t *testing.T) {
	got, err := ParsePatterns(`[{"type": "asymmetry", "metrics": ["leftLeg.peakFlexion"]}]`)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = ParsePatterns(`{"patterns": null}`)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParsePatternsRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"patterns": [`},
		{"patterns not array", `{"patterns": "asymmetry"}`},
		{"item not object", `{"patterns": ["asymmetry"]}`},
		{"unknown type", `{"patterns": [{"type": "weakness", "metrics": ["leftLeg.peakFlexion"]}]}`},
		{"unknown severity", `{"patterns": [{"type": "asymmetry", "severity": "critical", "metrics": ["leftLeg.peakFlexion"]}]}`},
		{"no metrics", `{"patterns": [{"type": "asymmetry"}]}`},
		{"bad path", `{"patterns": [{"type": "asymmetry", "metrics": ["leftKnee.peakFlexion"]}]}`},
		{"limb shorthand", `{"patterns": [{"type": "asymmetry", "metrics": ["leftLeg.peakFlexion"], "limbs": ["L"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatterns(tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPatterns), "%v", err)
		})
	}
}

func TestMergePatterns(t *testing.T) {
	pre := PreDetect(scenario(), nil, nil)
	gen := []DetectedPattern{
		// Same observation as the pre-detected asymmetry, listed in another order.
		{ID: "gp-1", Type: PatternAsymmetry, Metrics: []string{"rightLeg.peakFlexion", "leftLeg.peakFlexion"}, Limbs: []metrics.Limb{metrics.LimbLeft}},
		// Id collides with a pre-detected pattern.
		{ID: "pd-asymmetry-peakFlexion", Type: PatternCorrelation, Metrics: []string{"leftLeg.peakFlexion", "bilateral.cadence"}},
		{ID: "gp-3", Type: PatternQualityFlag, Metrics: []string{"leftLeg.jerkRMS"}},
	}

	d := mergePatterns(pre, gen)
	var ids []string
	for _, p := range d.Patterns {
		ids = append(ids, p.ID)
	}
	want := []string{
		"pd-threshold-leftLeg.peakFlexion",
		"pd-asymmetry-peakFlexion",
		"pd-asymmetry-peakFlexion-2",
		"gp-3",
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, d.PreDetected)
	assert.Equal(t, map[PatternType]int{
		PatternThresholdViolation: 1,
		PatternAsymmetry:          1,
		PatternCorrelation:        1,
		PatternQualityFlag:        1,
	}, d.Counts)
}

func TestMergePatternsEmptyIsNonNil(t *testing.T) {
	d := mergePatterns(nil, nil)
	assert.NotNil(t, d.Patterns)
	assert.Empty(t, d.IDs())
}

func TestQueryText(t *testing.T) {
	p := DetectedPattern{Type: PatternThresholdViolation, Metrics: []string{"leftLeg.peakFlexion"}, SearchTerms: []string{"ACL"}}
	assert.Equal(t, "threshold violation peakFlexion ACL", p.QueryText())
}

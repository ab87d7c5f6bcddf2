package trends

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

var day0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func flexion(id string, day int, left, right float64) metrics.SessionMetrics {
	return metrics.SessionMetrics{
		SessionID:  id,
		PatientID:  "p-1",
		LeftLeg:    map[string]float64{"peakFlexion": left},
		RightLeg:   map[string]float64{"peakFlexion": right},
		RecordedAt: day0.AddDate(0, 0, day),
	}
}

func types(ms []Milestone) []string {
	var out []string
	for _, m := range ms {
		out = append(out, string(m.Type)+":"+string(m.Limb))
	}
	return out
}

func TestNoHistoryIsEmptyNotError(t *testing.T) {
	cur := flexion("s-1", 0, 98, 119)
	p, err := Analyze(&cur, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Trends) != 0 || len(p.Milestones) != 0 || len(p.Regressions) != 0 || p.Projections != nil {
		t.Errorf("expected empty progress, got %+v", p)
	}
	if p.Trends == nil || p.Milestones == nil {
		t.Error("empty lists should be non-nil so they serialize as []")
	}
	if p.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", p.Sessions)
	}
}

func TestRequiresCurrent(t *testing.T) {
	if _, err := Analyze(nil, nil, nil); err == nil {
		t.Error("expected error for nil current session")
	}
}

func TestTrendDirectionUsesMCID(t *testing.T) {
	prev := flexion("s-1", 0, 90, 112)
	cur := flexion("s-2", 7, 98, 115)
	p, err := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Trend{
		{Metric: "peakFlexion", Path: "leftLeg.peakFlexion", Limb: metrics.LimbLeft, Direction: Improving,
			Current: 98, Previous: 90, Baseline: 90, Change: 8, ChangeFromBaseline: 8, MCID: 6, Sessions: 2},
		// +3 is under the 6° MCID.
		{Metric: "peakFlexion", Path: "rightLeg.peakFlexion", Limb: metrics.LimbRight, Direction: Stable,
			Current: 115, Previous: 112, Baseline: 112, Change: 3, ChangeFromBaseline: 3, MCID: 6, Sessions: 2},
	}
	if diff := cmp.Diff(want, p.Trends); diff != "" {
		t.Errorf("trends mismatch (-want +got):\n%s", diff)
	}
}

func TestMilestonesThresholdAndPersonalBest(t *testing.T) {
	prev := flexion("s-1", 0, 90, 112)
	cur := flexion("s-2", 7, 98, 120)
	p, err := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"personal_best:Left Leg",
		"threshold_achieved:Right Leg",
		"personal_best:Right Leg",
	}
	if diff := cmp.Diff(want, types(p.Milestones)); diff != "" {
		t.Errorf("milestones mismatch (-want +got):\n%s", diff)
	}
}

func TestRegressionBeyondTwiceMCID(t *testing.T) {
	prev := flexion("s-1", 0, 110, 118)
	cur := flexion("s-2", 7, 95, 110)
	p, err := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Left fell 15 (> 12); right fell 8 (declining but not a regression).
	if len(p.Regressions) != 1 {
		t.Fatalf("regressions = %+v, want one", p.Regressions)
	}
	r := p.Regressions[0]
	if r.Limb != metrics.LimbLeft || r.Decline != 15 || r.Threshold != 12 {
		t.Errorf("regression = %+v", r)
	}
	if p.Trends[1].Direction != Declining {
		t.Errorf("right trend = %s, want declining", p.Trends[1].Direction)
	}
}

func TestRegressionThresholdFollowsDomain(t *testing.T) {
	asym := func(id string, day int, v float64) metrics.SessionMetrics {
		return metrics.SessionMetrics{
			SessionID:  id,
			PatientID:  "p-1",
			Bilateral:  map[string]float64{"romAsymmetry": v},
			RecordedAt: day0.AddDate(0, 0, day),
		}
	}
	prev := asym("s-1", 0, 6)
	cur := asym("s-2", 7, 11)
	p, err := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Symmetry uses 1.5×MCID: a 5 point rise in asymmetry passes 4.5.
	if len(p.Regressions) != 1 {
		t.Fatalf("regressions = %+v, want one", p.Regressions)
	}
	r := p.Regressions[0]
	if r.Path != "bilateral.romAsymmetry" || r.Decline != 5 || r.Threshold != 4.5 {
		t.Errorf("regression = %+v", r)
	}

	for domain, want := range map[registry.Domain]float64{
		registry.DomainRange:   2,
		registry.DomainControl: 2.5,
		"unknown":              DefaultRegressionFactor,
	} {
		if got := RegressionFactor(domain); got != want {
			t.Errorf("RegressionFactor(%s) = %v, want %v", domain, got, want)
		}
	}
}

func TestSymmetryRestoredAndCatchUp(t *testing.T) {
	prev := flexion("s-1", 0, 100, 120)

	t.Run("restored, same deficit side", func(t *testing.T) {
		cur := flexion("s-2", 7, 118, 120)
		p, _ := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
		got := filter(p.Milestones, SymmetryRestored, LimbCatchUp)
		if diff := cmp.Diff([]string{"symmetry_restored:"}, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("deficit limb overtakes", func(t *testing.T) {
		cur := flexion("s-2", 7, 121, 120)
		p, _ := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
		got := filter(p.Milestones, SymmetryRestored, LimbCatchUp)
		if diff := cmp.Diff([]string{"limb_catch_up:Left Leg", "symmetry_restored:"}, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})
}

func filter(ms []Milestone, keep ...MilestoneType) []string {
	var out []Milestone
	for _, m := range ms {
		for _, k := range keep {
			if m.Type == k {
				out = append(out, m)
			}
		}
	}
	return types(out)
}

func TestStreakAndProjection(t *testing.T) {
	history := []metrics.SessionMetrics{
		flexion("s-4", 21, 105, 120),
		flexion("s-1", 0, 90, 120),
		flexion("s-3", 14, 100, 120),
		flexion("s-2", 7, 95, 120),
	}
	cur := flexion("s-5", 28, 110, 120)
	p, err := Analyze(&cur, history, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := filter(p.Milestones, Streak); len(got) != 1 || got[0] != "streak:Left Leg" {
		t.Errorf("streak milestones = %v", got)
	}

	if len(p.Projections) != 2 {
		t.Fatalf("projections = %d, want 2", len(p.Projections))
	}
	left := p.Projections[0]
	three := 3
	want := Projection{
		Metric: "peakFlexion", Path: "leftLeg.peakFlexion", Limb: metrics.LimbLeft,
		SlopePerSession: 5, Horizon: 4, Projected: 130, RSquared: 1,
		Confidence: ConfidenceHigh, SessionsToGoal: &three,
	}
	if diff := cmp.Diff(want, left, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("left projection mismatch (-want +got):\n%s", diff)
	}

	right := p.Projections[1]
	if right.SlopePerSession != 0 || right.Confidence != ConfidenceHigh || right.SessionsToGoal != nil {
		t.Errorf("flat right projection = %+v", right)
	}
}

func TestNoProjectionBelowFourSessions(t *testing.T) {
	history := []metrics.SessionMetrics{flexion("s-1", 0, 90, 110), flexion("s-2", 7, 95, 112)}
	cur := flexion("s-3", 14, 100, 114)
	p, _ := Analyze(&cur, history, nil)
	if p.Projections != nil {
		t.Errorf("expected no projections with 3 sessions, got %+v", p.Projections)
	}
}

func TestHistorySkipsCurrentAndLaterSessions(t *testing.T) {
	cur := flexion("s-2", 7, 98, 119)
	history := []metrics.SessionMetrics{
		flexion("s-1", 0, 90, 119),
		cur,
		flexion("s-3", 14, 60, 60),
	}
	p, _ := Analyze(&cur, history, nil)
	if p.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", p.Sessions)
	}
	if p.Trends[0].Previous != 90 {
		t.Errorf("previous = %v, want 90", p.Trends[0].Previous)
	}
}

func TestLowerBetterImproves(t *testing.T) {
	prev := metrics.SessionMetrics{SessionID: "a", LeftLeg: map[string]float64{"peakExtension": 8}, RecordedAt: day0}
	cur := metrics.SessionMetrics{SessionID: "b", LeftLeg: map[string]float64{"peakExtension": 5}, RecordedAt: day0.AddDate(0, 0, 7)}
	p, _ := Analyze(&cur, []metrics.SessionMetrics{prev}, nil)
	if len(p.Trends) != 1 || p.Trends[0].Direction != Improving {
		t.Fatalf("trends = %+v", p.Trends)
	}
	if got := filter(p.Milestones, PersonalBest); len(got) != 1 {
		t.Errorf("expected a personal best for a lower extension deficit, got %v", got)
	}
}

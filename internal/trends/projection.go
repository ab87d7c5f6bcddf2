package trends

import (
	"math"

	"github.com/montanaflynn/stats"

	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// Confidence grades a projection by the fit's R².
type Confidence string

const (
	ConfidenceHigh     Confidence = "high"
	ConfidenceModerate Confidence = "moderate"
	ConfidenceLow      Confidence = "low"
)

// Projection is a least-squares extrapolation of one metric path.
type Projection struct {
	Metric string       `json:"metric"`
	Path   string       `json:"path"`
	Limb   metrics.Limb `json:"limb,omitempty"`
	// SlopePerSession is the fitted change per session.
	SlopePerSession float64    `json:"slopePerSession"`
	Horizon         int        `json:"horizon"`
	Projected       float64    `json:"projected"`
	RSquared        float64    `json:"rSquared"`
	Confidence      Confidence `json:"confidence"`
	// SessionsToGoal is how many more sessions the fit needs to reach the
	// good threshold. Nil when already there or trending away from it.
	SessionsToGoal *int `json:"sessionsToGoal,omitempty"`
}

func confidenceOf(r2 float64) Confidence {
	switch {
	case r2 >= 0.7:
		return ConfidenceHigh
	case r2 >= 0.4:
		return ConfidenceModerate
	}
	return ConfidenceLow
}

// project fits value against session index. It needs MinProjectionSessions
// values.
func project(s series) (Projection, bool) {
	n := len(s.values)
	if n < MinProjectionSessions {
		return Projection{}, false
	}

	xs := make(stats.Float64Data, n)
	pts := make(stats.Series, n)
	for i, v := range s.values {
		xs[i] = float64(i)
		pts[i] = stats.Coordinate{X: float64(i), Y: v}
	}
	fit, err := stats.LinearRegression(pts)
	if err != nil || len(fit) < 2 {
		return Projection{}, false
	}
	slope := (fit[n-1].Y - fit[0].Y) / (fit[n-1].X - fit[0].X)
	projected := fit[n-1].Y + slope*ProjectionHorizon

	// A flat series is fitted exactly.
	r2 := 1.0
	if spread, _ := stats.StandardDeviation(stats.Float64Data(s.values)); spread > 0 {
		r, err := stats.Correlation(xs, stats.Float64Data(s.values))
		if err != nil || math.IsNaN(r) {
			r = 0
		}
		r2 = r * r
	}

	p := Projection{
		Metric:          s.def.Name,
		Path:            s.path,
		Limb:            s.limb,
		SlopePerSession: slope,
		Horizon:         ProjectionHorizon,
		Projected:       projected,
		RSquared:        r2,
		Confidence:      confidenceOf(r2),
	}
	p.SessionsToGoal = sessionsToGoal(s.def, fit[n-1].Y, slope)
	return p, true
}

func sessionsToGoal(def registry.MetricDefinition, fitted, slope float64) *int {
	if registry.CategoryOf(fitted, def) == registry.CategoryOptimal {
		return nil
	}
	g := gain(def, 0, slope)
	if g <= 0 {
		return nil
	}
	remaining := math.Abs(def.GoodThreshold - fitted)
	k := int(math.Ceil(remaining/g - 1e-9))
	return &k
}

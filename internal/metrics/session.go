package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Limb identifies one side of the body. Only the two literal values below are
// ever valid; abbreviations such as "L" or "left" are rejected.
type Limb string

const (
	LimbLeft  Limb = "Left Leg"
	LimbRight Limb = "Right Leg"
)

// Valid reports whether l is one of the two canonical limb strings.
func (l Limb) Valid() bool {
	return l == LimbLeft || l == LimbRight
}

// Other returns the contralateral limb.
func (l Limb) Other() Limb {
	if l == LimbLeft {
		return LimbRight
	}
	return LimbLeft
}

// Prefix is the first segment of a metric path.
type Prefix string

const (
	PrefixLeftLeg   Prefix = "leftLeg"
	PrefixRightLeg  Prefix = "rightLeg"
	PrefixBilateral Prefix = "bilateral"
)

// CompositeScore is the bare path token that resolves to the session's
// overall score.
const CompositeScore = "overallScore"

// Limb returns the limb a per-leg prefix refers to.
func (p Prefix) Limb() (Limb, bool) {
	switch p {
	case PrefixLeftLeg:
		return LimbLeft, true
	case PrefixRightLeg:
		return LimbRight, true
	}
	return "", false
}

// PrefixFor returns the path prefix for a limb.
func PrefixFor(l Limb) Prefix {
	if l == LimbRight {
		return PrefixRightLeg
	}
	return PrefixLeftLeg
}

var (
	// ErrInvalidPath is returned for paths that do not follow prefix.metricName.
	ErrInvalidPath = errors.New("invalid metric path")
	// ErrMetricNotFound is returned when a well-formed path has no value.
	ErrMetricNotFound = errors.New("metric not found")
)

// SessionMetrics is an already-computed, read-only snapshot of one analyzed
// recording session.
type SessionMetrics struct {
	SessionID    string             `json:"sessionId"`
	PatientID    string             `json:"patientId,omitempty"`
	LeftLeg      map[string]float64 `json:"leftLeg,omitempty"`
	RightLeg     map[string]float64 `json:"rightLeg,omitempty"`
	Bilateral    map[string]float64 `json:"bilateral,omitempty"`
	OverallScore *float64           `json:"overallScore,omitempty"`
	Grade        string             `json:"grade,omitempty"`
	MovementType string             `json:"movementType,omitempty"`
	RecordedAt   time.Time          `json:"recordedAt"`
}

// Leg returns the metric map for the given limb.
func (m *SessionMetrics) Leg(l Limb) map[string]float64 {
	if l == LimbRight {
		return m.RightLeg
	}
	return m.LeftLeg
}

// Empty reports whether the snapshot carries no metric values at all.
func (m *SessionMetrics) Empty() bool {
	return m == nil || (len(m.LeftLeg) == 0 && len(m.RightLeg) == 0 && len(m.Bilateral) == 0 && m.OverallScore == nil)
}

// Validate checks the minimum shape the pipeline needs.
func (m *SessionMetrics) Validate() error {
	if m == nil {
		return fmt.Errorf("session metrics are nil")
	}
	if m.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if m.Empty() {
		return fmt.Errorf("session %s has no metrics", m.SessionID)
	}
	return nil
}

// Path is a parsed metric path.
type Path struct {
	Prefix Prefix
	Metric string
}

func (p Path) String() string {
	if p.Prefix == "" {
		return p.Metric
	}
	return string(p.Prefix) + "." + p.Metric
}

// ParsePath splits a metric path into prefix and metric name. The bare
// composite score token parses with an empty prefix.
func ParsePath(path string) (Path, error) {
	path = strings.TrimSpace(path)
	if path == CompositeScore {
		return Path{Metric: CompositeScore}, nil
	}
	prefix, name, ok := strings.Cut(path, ".")
	if !ok || name == "" || strings.Contains(name, ".") {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	switch Prefix(prefix) {
	case PrefixLeftLeg, PrefixRightLeg, PrefixBilateral:
		return Path{Prefix: Prefix(prefix), Metric: name}, nil
	}
	return Path{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidPath, prefix)
}

// Resolve returns the value addressed by a metric path.
func (m *SessionMetrics) Resolve(path string) (float64, error) {
	p, err := ParsePath(path)
	if err != nil {
		return 0, err
	}
	return m.ResolvePath(p)
}

// ResolvePath returns the value addressed by an already parsed path.
func (m *SessionMetrics) ResolvePath(p Path) (float64, error) {
	if m == nil {
		return 0, fmt.Errorf("%w: %s (no metrics)", ErrMetricNotFound, p)
	}
	var src map[string]float64
	switch p.Prefix {
	case "":
		if p.Metric == CompositeScore && m.OverallScore != nil {
			return *m.OverallScore, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrMetricNotFound, p)
	case PrefixLeftLeg:
		src = m.LeftLeg
	case PrefixRightLeg:
		src = m.RightLeg
	case PrefixBilateral:
		src = m.Bilateral
	}
	v, ok := src[p.Metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMetricNotFound, p)
	}
	return v, nil
}

// Flatten returns every value keyed by its full path.
func (m *SessionMetrics) Flatten() map[string]float64 {
	out := make(map[string]float64, len(m.LeftLeg)+len(m.RightLeg)+len(m.Bilateral)+1)
	for k, v := range m.LeftLeg {
		out[string(PrefixLeftLeg)+"."+k] = v
	}
	for k, v := range m.RightLeg {
		out[string(PrefixRightLeg)+"."+k] = v
	}
	for k, v := range m.Bilateral {
		out[string(PrefixBilateral)+"."+k] = v
	}
	if m.OverallScore != nil {
		out[CompositeScore] = *m.OverallScore
	}
	return out
}

// Paths returns all resolvable paths in sorted order.
func (m *SessionMetrics) Paths() []string {
	flat := m.Flatten()
	paths := make([]string, 0, len(flat))
	for p := range flat {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ByRecordedAt sorts sessions oldest first.
func ByRecordedAt(sessions []SessionMetrics) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].RecordedAt.Before(sessions[j].RecordedAt)
	})
}

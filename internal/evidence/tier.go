package evidence

import (
	"fmt"
	"math"
	"strings"
)

// Tier ranks how rigorous a finding's source is. S is strongest.
type Tier string

const (
	TierS Tier = "S"
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// Rank orders tiers so that a higher rank is stronger evidence. Unknown tiers
// rank below D.
func (t Tier) Rank() int {
	switch t {
	case TierS:
		return 5
	case TierA:
		return 4
	case TierB:
		return 3
	case TierC:
		return 2
	case TierD:
		return 1
	}
	return 0
}

// AtLeast reports whether t is as strong as min or stronger.
func (t Tier) AtLeast(min Tier) bool { return t.Rank() >= min.Rank() }

// Valid reports whether t is one of the five tiers.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// ParseTier accepts a tier letter in either case.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("invalid evidence tier %q", s)
	}
	return t, nil
}

// SourceType says where a piece of evidence came from.
type SourceType string

const (
	SourceCache     SourceType = "cache"
	SourceWebSearch SourceType = "web_search"
	SourceEmbedded  SourceType = "embedded_knowledge"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == SourceCache || s == SourceWebSearch || s == SourceEmbedded
}

// CosineSimilarity returns dot(a,b)/(|a||b|). Mismatched lengths, empty
// vectors and zero norms all yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(-1, math.Min(1, s))
}

package evidence

import "time"

// Evidence is one research finding attached to a detected pattern.
type Evidence struct {
	ID             string     `json:"id"`
	PatternID      string     `json:"patternId"`
	Tier           Tier       `json:"tier"`
	SourceType     SourceType `json:"sourceType"`
	Citation       string     `json:"citation"`
	URL            string     `json:"url,omitempty"`
	Findings       []string   `json:"findings"`
	RelevanceScore int        `json:"relevanceScore"`
	Embedding      []float32  `json:"-"`
}

// Entry is a persisted cache row.
type Entry struct {
	ID             string     `json:"id"`
	PatternType    string     `json:"patternType,omitempty"`
	QueryText      string     `json:"queryText,omitempty"`
	Tier           Tier       `json:"tier"`
	SourceType     SourceType `json:"sourceType"`
	Citation       string     `json:"citation"`
	URL            string     `json:"url,omitempty"`
	Findings       []string   `json:"findings"`
	RelevanceScore int        `json:"relevanceScore"`
	Embedding      []float32  `json:"-"`
	HitCount       int        `json:"hitCount"`
	LastUsed       *time.Time `json:"lastUsed,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ForPattern converts a cache hit into evidence for one pattern.
func (e Entry) ForPattern(patternID string) Evidence {
	return Evidence{
		ID:             e.ID,
		PatternID:      patternID,
		Tier:           e.Tier,
		SourceType:     SourceCache,
		Citation:       e.Citation,
		URL:            e.URL,
		Findings:       append([]string(nil), e.Findings...),
		RelevanceScore: e.RelevanceScore,
		Embedding:      e.Embedding,
	}
}

// Match is a lookup hit.
type Match struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
}

// LookupOptions narrows a lookup. Zero values take the defaults below.
type LookupOptions struct {
	MinTier       Tier
	Limit         int
	MinSimilarity float64
}

const (
	DefaultMinTier       = TierB
	DefaultLimit         = 5
	DefaultMinSimilarity = 0.75
	// DuplicateSimilarity is the similarity above which an insert merges into
	// the existing entry.
	DuplicateSimilarity = 0.98
)

func (o LookupOptions) withDefaults() LookupOptions {
	if !o.MinTier.Valid() {
		o.MinTier = DefaultMinTier
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	return o
}

// InsertResult reports where an insert landed.
type InsertResult struct {
	ID     string `json:"id"`
	Merged bool   `json:"merged"`
}

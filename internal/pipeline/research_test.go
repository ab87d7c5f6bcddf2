package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/vectordb"
)

func flexionPatterns() []DetectedPattern {
	return []DetectedPattern{
		{ID: "p-1", Type: PatternAsymmetry, Metrics: []string{"leftLeg.peakFlexion", "rightLeg.peakFlexion"}},
		{ID: "p-2", Type: PatternThresholdViolation, Metrics: []string{"leftLeg.peakFlexion"}},
	}
}

func newResearcher(cache EvidenceCache, emb *fakeEmbedder, s Searcher) *researcher {
	r := &researcher{cache: cache, searcher: s, concurrency: 2, logger: quietLogger()}
	if emb != nil {
		r.embedder = emb
	}
	return r
}

func TestResearchCacheHitSkipsSearch(t *testing.T) {
	cache := &fakeCache{matches: []evidence.Match{
		{Entry: evidence.Entry{ID: "e-1", Tier: evidence.TierA, Citation: "Cached 2019"}, Similarity: 0.9},
	}}
	search := &fakeSearcher{}
	r := newResearcher(cache, &fakeEmbedder{}, search)

	res, _, err := r.run(context.Background(), flexionPatterns())
	require.NoError(t, err)
	assert.Empty(t, search.searched)
	assert.Empty(t, res.Escalated)
	assert.Equal(t, 2, res.CacheHits)
	assert.False(t, res.CacheUnavailable)
	require.Len(t, res.Evidence["p-1"], 1)
	assert.Equal(t, evidence.SourceCache, res.Evidence["p-1"][0].SourceType)
	assert.Equal(t, "p-1", res.Evidence["p-1"][0].PatternID)
}

func TestResearchEscalatesAndCachesStrongFindings(t *testing.T) {
	search := &fakeSearcher{evidence: []evidence.Evidence{
		{Tier: evidence.TierB, SourceType: evidence.SourceWebSearch, Citation: "Cohort 2020"},
		{Tier: evidence.TierD, SourceType: evidence.SourceEmbedded, Citation: "Expert opinion"},
	}}
	r := newResearcher(&fakeCache{}, &fakeEmbedder{}, search)

	res, _, err := r.run(context.Background(), flexionPatterns()[:1])
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, res.Escalated)
	assert.Empty(t, res.Insufficient)
	require.Len(t, res.NewEntries, 1, "only tier B and better is cached")
	entry := res.NewEntries[0]
	assert.Equal(t, "Cohort 2020", entry.Citation)
	assert.Equal(t, string(PatternAsymmetry), entry.PatternType)
	assert.NotEmpty(t, entry.Embedding)
	for _, e := range res.Evidence["p-1"] {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "p-1", e.PatternID)
	}
}

func TestResearchWeakEvidenceIsInsufficient(t *testing.T) {
	search := &fakeSearcher{evidence: []evidence.Evidence{
		{Tier: evidence.TierD, Citation: "Case report"},
	}}
	r := newResearcher(&fakeCache{}, &fakeEmbedder{}, search)

	res, _, err := r.run(context.Background(), flexionPatterns())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, res.Insufficient)
	assert.Empty(t, res.NewEntries)
}

func TestResearchCacheFailureEscalates(t *testing.T) {
	cache := &fakeCache{lookupErr: errors.New("database is locked")}
	search := &fakeSearcher{evidence: []evidence.Evidence{{Tier: evidence.TierA, Citation: "Trial 2021"}}}
	r := newResearcher(cache, &fakeEmbedder{}, search)

	res, _, err := r.run(context.Background(), flexionPatterns())
	require.NoError(t, err)
	assert.True(t, res.CacheUnavailable)
	assert.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], string(KindCacheUnavailable))
	assert.Equal(t, []string{"p-1", "p-2"}, res.Escalated)
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, search.searched)
}

func TestResearchEmbedderFailureEscalatesWithoutCaching(t *testing.T) {
	search := &fakeSearcher{evidence: []evidence.Evidence{{Tier: evidence.TierA, Citation: "Trial 2021"}}}
	r := newResearcher(&fakeCache{}, &fakeEmbedder{err: errors.New("quota")}, search)

	res, _, err := r.run(context.Background(), flexionPatterns()[:1])
	require.NoError(t, err)
	assert.True(t, res.CacheUnavailable)
	assert.Empty(t, res.NewEntries, "nothing to cache without a query vector")
}

// stalledEmbedder never answers before its context ends.
type stalledEmbedder struct{}

func (stalledEmbedder) Embed(ctx context.Context, _ string, _ embeddings.TaskType) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledEmbedder) EmbedBatch(ctx context.Context, _ []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledEmbedder) Dimensions() int { return 3 }
func (stalledEmbedder) Name() string    { return "stalled" }

func TestResearchEmbeddingTimeoutEscalates(t *testing.T) {
	search := &fakeSearcher{evidence: []evidence.Evidence{{Tier: evidence.TierA, Citation: "Trial 2021"}}}
	r := &researcher{
		cache:        &fakeCache{},
		embedder:     stalledEmbedder{},
		searcher:     search,
		concurrency:  2,
		embedTimeout: 20 * time.Millisecond,
		logger:       quietLogger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, _, err := r.run(ctx, flexionPatterns())
	require.NoError(t, err)
	assert.True(t, res.CacheUnavailable)
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], string(KindCacheUnavailable))
	assert.Contains(t, res.Warnings[0], "timed out")
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, search.searched)
	assert.Empty(t, res.NewEntries)
}

func TestRunSurvivesStalledEmbedder(t *testing.T) {
	o := newTestOrchestrator(t, &routedProvider{}, newFakeSessions(scenario()), func(opts *Options) {
		opts.Cache = &fakeCache{}
		opts.Embedder = stalledEmbedder{}
		opts.EmbedTimeout = 20 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Run(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st.Status)
	require.NotNil(t, st.Research)
	assert.True(t, st.Research.CacheUnavailable)
	assert.Len(t, st.Research.Escalated, 2)
}

func TestRunCachesEachCitationSeparately(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	idx, err := vectordb.NewChromemIndex(nil)
	require.NoError(t, err)
	cache, err := evidence.Open(context.Background(), database, idx)
	require.NoError(t, err)

	search := &fakeSearcher{evidence: []evidence.Evidence{
		{Tier: evidence.TierA, SourceType: evidence.SourceWebSearch, Citation: "Alpha 2019", Findings: []string{"alpha finding"}},
		{Tier: evidence.TierA, SourceType: evidence.SourceWebSearch, Citation: "Beta 2021", Findings: []string{"beta finding"}},
	}}
	o := newTestOrchestrator(t, &routedProvider{}, newFakeSessions(scenario()), func(opts *Options) {
		opts.Cache = cache
		opts.Embedder = &fakeEmbedder{}
		opts.Searcher = search
	})

	// Synthesis cites a study the search never returned, so the run itself
	// may fail validation; caching happens before that.
	st, _ := o.Run(context.Background(), "s-1")
	require.NotNil(t, st)
	require.NotNil(t, st.Research)
	require.Len(t, st.Research.NewEntries, 4, "two citations for each of two patterns")

	rows, err := database.Query("SELECT citation, findings FROM evidence_cache")
	require.NoError(t, err)
	defer rows.Close()
	want := map[string]string{"Alpha 2019": "alpha finding", "Beta 2021": "beta finding"}
	seen := map[string]bool{}
	for rows.Next() {
		var citation, raw string
		require.NoError(t, rows.Scan(&citation, &raw))
		var findings []string
		require.NoError(t, json.Unmarshal([]byte(raw), &findings))
		assert.Equal(t, []string{want[citation]}, findings, "findings of %s", citation)
		seen[citation] = true
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, map[string]bool{"Alpha 2019": true, "Beta 2021": true}, seen)
}

func TestResearchSearchFailureIsFatal(t *testing.T) {
	search := &fakeSearcher{err: errors.New("search backend down")}
	r := newResearcher(&fakeCache{}, &fakeEmbedder{}, search)

	_, _, err := r.run(context.Background(), flexionPatterns())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search backend down")
}

func TestResearchCitations(t *testing.T) {
	res := &Research{Evidence: map[string][]evidence.Evidence{
		"p-2": {{Citation: "B"}},
		"p-1": {{Citation: "A"}, {Citation: "C"}},
	}}
	assert.Equal(t, []string{"A", "B", "C"}, res.Citations())
}

func TestParseEvidence(t *testing.T) {
	got := parseEvidence(`{"evidence": [
		{"tier": "a", "citation": "Trial 2021", "findings": ["x"], "relevanceScore": 140},
		{"tier": "Z", "citation": "Bogus"},
		{"tier": "B", "citation": "  "},
		{"tier": "C", "citation": "Series 2015", "sourceType": "web_search", "url": "https://example.org"}
	]}`, "p-1")
	require.Len(t, got, 2)
	assert.Equal(t, evidence.TierA, got[0].Tier)
	assert.Equal(t, "p-1", got[0].PatternID)
	assert.Equal(t, evidence.SourceEmbedded, got[0].SourceType)
	assert.Equal(t, 100, got[0].RelevanceScore)
	assert.Equal(t, evidence.SourceWebSearch, got[1].SourceType)
	assert.Equal(t, "https://example.org", got[1].URL)
}

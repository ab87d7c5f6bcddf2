package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/llm"
)

// EvidenceCache is the part of the evidence cache the research stage uses.
type EvidenceCache interface {
	Lookup(ctx context.Context, embedding []float32, opts evidence.LookupOptions) ([]evidence.Match, error)
	Insert(ctx context.Context, e evidence.Entry) (evidence.InsertResult, error)
}

// Found is what an external search returned for one pattern.
type Found struct {
	Evidence []evidence.Evidence
	Usage    llm.Usage
}

// Searcher is the external search collaborator patterns are escalated to.
type Searcher interface {
	Search(ctx context.Context, p DetectedPattern) (*Found, error)
}

// Research is the output of the research stage.
type Research struct {
	// Evidence is keyed by pattern id.
	Evidence map[string][]evidence.Evidence `json:"evidence"`
	// Insufficient lists patterns whose best evidence is tier D or weaker.
	Insufficient []string `json:"insufficient"`
	// Escalated lists patterns that went to external search.
	Escalated []string `json:"escalated"`
	// NewEntries are tier B or better findings worth caching.
	NewEntries []evidence.Entry `json:"newEntries,omitempty"`
	CacheHits  int              `json:"cacheHits"`
	// CacheUnavailable is set when lookups could not run; every pattern was
	// escalated instead.
	CacheUnavailable bool     `json:"cacheUnavailable,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Citations returns every citation the research produced.
func (r *Research) Citations() []string {
	var out []string
	for _, ev := range r.Evidence {
		for _, e := range ev {
			out = append(out, e.Citation)
		}
	}
	sort.Strings(out)
	return out
}

// patternResearch is one pattern's share of the research stage.
type patternResearch struct {
	evidence  []evidence.Evidence
	entries   []evidence.Entry
	hits      int
	escalated bool
	cacheErr  error
	usage     llm.Usage
}

type researcher struct {
	cache        EvidenceCache
	embedder     embeddings.Embedder
	searcher     Searcher
	concurrency  int
	embedTimeout time.Duration
	logger       *slog.Logger
}

// run looks every pattern up concurrently and merges the results in
// pattern order.
func (r *researcher) run(ctx context.Context, patterns []DetectedPattern) (*Research, llm.Usage, error) {
	results := make([]patternResearch, len(patterns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range patterns {
		g.Go(func() error {
			pr, err := r.one(gctx, patterns[i])
			if err != nil {
				return fmt.Errorf("pattern %s: %w", patterns[i].ID, err)
			}
			results[i] = pr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, llm.Usage{}, err
	}

	res := &Research{
		Evidence:     make(map[string][]evidence.Evidence, len(patterns)),
		Insufficient: []string{},
		Escalated:    []string{},
	}
	var usage llm.Usage
	for i, p := range patterns {
		pr := results[i]
		res.Evidence[p.ID] = pr.evidence
		res.CacheHits += pr.hits
		res.NewEntries = append(res.NewEntries, pr.entries...)
		usage.Merge(pr.usage)
		if pr.escalated {
			res.Escalated = append(res.Escalated, p.ID)
		}
		if pr.cacheErr != nil {
			res.CacheUnavailable = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s: %v", p.ID, KindCacheUnavailable, pr.cacheErr))
		}
		if !covered(pr.evidence, evidence.TierC) {
			res.Insufficient = append(res.Insufficient, p.ID)
		}
	}
	return res, usage, nil
}

// one researches a single pattern: cache first, external search only when
// the cache has nothing at tier B or better.
func (r *researcher) one(ctx context.Context, p DetectedPattern) (patternResearch, error) {
	var pr patternResearch
	query := p.QueryText()

	var vec []float32
	switch {
	case r.cache == nil || r.embedder == nil:
		pr.cacheErr = errors.New("no evidence cache configured")
	default:
		var err error
		vec, err = r.embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return pr, ctx.Err()
			}
			pr.cacheErr = err
			break
		}
		matches, err := r.cache.Lookup(ctx, vec, evidence.LookupOptions{MinTier: evidence.TierB})
		if err != nil {
			if ctx.Err() != nil {
				return pr, ctx.Err()
			}
			pr.cacheErr = fmt.Errorf("cache lookup: %w", err)
			break
		}
		for _, m := range matches {
			pr.evidence = append(pr.evidence, m.Entry.ForPattern(p.ID))
		}
		pr.hits = len(matches)
	}
	if pr.cacheErr != nil {
		r.logger.Warn("evidence cache unavailable, escalating", "pattern_id", p.ID, "error", pr.cacheErr)
	}

	if covered(pr.evidence, evidence.TierB) {
		return pr, nil
	}
	if r.searcher == nil {
		return pr, nil
	}

	pr.escalated = true
	found, err := r.searcher.Search(ctx, p)
	if err != nil {
		return pr, err
	}
	pr.usage = found.Usage
	for _, e := range found.Evidence {
		e.PatternID = p.ID
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		pr.evidence = append(pr.evidence, e)
		if vec != nil && e.Tier.AtLeast(evidence.TierB) {
			pr.entries = append(pr.entries, evidence.Entry{
				PatternType:    string(p.Type),
				QueryText:      query,
				Tier:           e.Tier,
				SourceType:     e.SourceType,
				Citation:       e.Citation,
				URL:            e.URL,
				Findings:       e.Findings,
				RelevanceScore: e.RelevanceScore,
				Embedding:      vec,
			})
		}
	}
	return pr, nil
}

// embed embeds the pattern query under the embedding timeout.
func (r *researcher) embed(ctx context.Context, query string) ([]float32, error) {
	if r.embedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.embedTimeout)
		defer cancel()
	}
	vec, err := r.embedder.Embed(ctx, query, embeddings.TaskRetrievalQuery)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding query: timed out after %s", r.embedTimeout)
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}

// covered reports whether any evidence reaches the tier.
func covered(ev []evidence.Evidence, min evidence.Tier) bool {
	for _, e := range ev {
		if e.Tier.AtLeast(min) {
			return true
		}
	}
	return false
}

package evidence

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/vectordb"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// vectors already cached.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNotFound is returned when an entry id is unknown.
	ErrNotFound = errors.New("evidence entry not found")
)

// Cache is the shared, append-only evidence store. Rows live in SQLite; an
// in-memory vector index supplies nearest-neighbour candidates which are then
// re-scored with exact cosine similarity.
type Cache struct {
	db    *db.DB
	index vectordb.Index

	// mu serializes inserts so near-duplicates cannot race into the store,
	// and guards entries.
	mu      sync.RWMutex
	entries map[string]*Entry
	dims    int

	now func() time.Time
}

// Open loads every cached row into memory and the vector index.
func Open(ctx context.Context, database *db.DB, index vectordb.Index) (*Cache, error) {
	c := &Cache{
		db:      database,
		index:   index,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Load (re)reads all rows from the database into the index.
func (c *Cache) Load(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, selectEntries+" ORDER BY created_at, id")
	if err != nil {
		return fmt.Errorf("querying evidence cache: %w", err)
	}
	defer rows.Close()

	var loaded []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scanning evidence row: %w", err)
		}
		loaded = append(loaded, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]vectordb.Document, 0, len(loaded))
	for _, e := range loaded {
		if c.dims == 0 {
			c.dims = len(e.Embedding)
		}
		if len(e.Embedding) != c.dims {
			continue
		}
		c.entries[e.ID] = e
		docs = append(docs, toDocument(e))
	}
	if err := c.index.Add(ctx, docs); err != nil {
		return fmt.Errorf("indexing evidence: %w", err)
	}
	return nil
}

// Count returns the number of cached entries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Get returns one entry by id.
func (c *Cache) Get(id string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyEntry(e), nil
}

// Lookup returns the best matches for a query embedding and records a hit on
// each one returned.
func (c *Cache) Lookup(ctx context.Context, embedding []float32, opts LookupOptions) ([]Match, error) {
	matches, err := c.Search(ctx, embedding, opts)
	if err != nil || len(matches) == 0 {
		return matches, err
	}

	now := c.now().UTC()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin hit update: %w", err)
	}
	defer tx.Rollback()
	for _, m := range matches {
		if _, err := tx.ExecContext(ctx,
			"UPDATE evidence_cache SET hit_count = hit_count + 1, last_used = ? WHERE id = ?",
			now.Format(time.RFC3339Nano), m.Entry.ID); err != nil {
			return nil, fmt.Errorf("recording evidence hit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit hit update: %w", err)
	}

	c.mu.Lock()
	for i := range matches {
		if e, ok := c.entries[matches[i].Entry.ID]; ok {
			e.HitCount++
			t := now
			e.LastUsed = &t
			matches[i].Entry = copyEntry(e)
		}
	}
	c.mu.Unlock()
	return matches, nil
}

// Search ranks entries like Lookup without touching hit metadata.
func (c *Cache) Search(ctx context.Context, embedding []float32, opts LookupOptions) ([]Match, error) {
	opts = opts.withDefaults()

	c.mu.RLock()
	dims := c.dims
	c.mu.RUnlock()
	if dims == 0 {
		return nil, nil
	}
	if len(embedding) != dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, cache has %d", ErrDimensionMismatch, len(embedding), dims)
	}

	// The index cannot express "tier at least", so every entry is a candidate
	// and the tier and similarity filters run on exact scores.
	candidates, err := c.index.QueryEmbedding(ctx, embedding, c.index.Count(), nil)
	if err != nil {
		return nil, fmt.Errorf("querying evidence index: %w", err)
	}

	c.mu.RLock()
	var matches []Match
	for _, cand := range candidates {
		e, ok := c.entries[cand.Document.ID]
		if !ok || !e.Tier.AtLeast(opts.MinTier) {
			continue
		}
		sim := CosineSimilarity(embedding, e.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, Match{Entry: copyEntry(e), Similarity: sim})
	}
	c.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if ri, rj := matches[i].Entry.Tier.Rank(), matches[j].Entry.Tier.Rank(); ri != rj {
			return ri > rj
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// Insert adds an entry, or merges its findings into an existing entry for the
// same citation whose embedding is a near-duplicate. Entries from different
// citations are never merged, whatever their similarity.
func (c *Cache) Insert(ctx context.Context, in Entry) (InsertResult, error) {
	if err := validateEntry(in); err != nil {
		return InsertResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dims != 0 && len(in.Embedding) != c.dims {
		return InsertResult{}, fmt.Errorf("%w: entry has %d dimensions, cache has %d", ErrDimensionMismatch, len(in.Embedding), c.dims)
	}

	if dup := c.nearestLocked(ctx, in.Embedding, in.Citation); dup != nil {
		if err := c.mergeLocked(ctx, dup, in); err != nil {
			return InsertResult{}, err
		}
		return InsertResult{ID: dup.ID, Merged: true}, nil
	}

	e := in
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.SourceType == "" {
		e.SourceType = SourceWebSearch
	}
	e.Findings = dedupeFindings(nil, e.Findings)
	e.HitCount = 0
	e.LastUsed = nil
	e.CreatedAt = c.now().UTC()

	findings, err := json.Marshal(e.Findings)
	if err != nil {
		return InsertResult{}, fmt.Errorf("marshalling findings: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO evidence_cache (
			id, pattern_type, query_text, tier, source_type, citation, url,
			findings, relevance_score, embedding, dimensions, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PatternType, e.QueryText, string(e.Tier), string(e.SourceType),
		e.Citation, e.URL, string(findings), e.RelevanceScore,
		encodeVector(e.Embedding), len(e.Embedding), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return InsertResult{}, fmt.Errorf("inserting evidence: %w", err)
	}

	stored := e
	stored.Embedding = append([]float32(nil), e.Embedding...)
	if err := c.index.Add(ctx, []vectordb.Document{toDocument(&stored)}); err != nil {
		return InsertResult{}, fmt.Errorf("indexing evidence: %w", err)
	}
	c.entries[stored.ID] = &stored
	if c.dims == 0 {
		c.dims = len(stored.Embedding)
	}
	return InsertResult{ID: stored.ID}, nil
}

// nearestLocked returns the existing entry for citation most similar to v
// when that similarity exceeds DuplicateSimilarity.
func (c *Cache) nearestLocked(ctx context.Context, v []float32, citation string) *Entry {
	if len(c.entries) == 0 {
		return nil
	}
	citation = NormalizeCitation(citation)
	var (
		best    *Entry
		bestSim float64
	)
	consider := func(e *Entry) {
		if NormalizeCitation(e.Citation) != citation {
			return
		}
		if sim := CosineSimilarity(v, e.Embedding); sim > bestSim {
			best, bestSim = e, sim
		}
	}
	results, err := c.index.QueryEmbedding(ctx, v, c.index.Count(), nil)
	if err == nil {
		for _, r := range results {
			if e, ok := c.entries[r.Document.ID]; ok {
				consider(e)
			}
		}
	} else {
		for _, e := range c.entries {
			consider(e)
		}
	}
	if bestSim > DuplicateSimilarity {
		return best
	}
	return nil
}

func (c *Cache) mergeLocked(ctx context.Context, dst *Entry, src Entry) error {
	merged := copyEntry(dst)
	merged.Findings = dedupeFindings(merged.Findings, src.Findings)
	if src.Tier.Rank() > merged.Tier.Rank() {
		merged.Tier = src.Tier
		if src.URL != "" {
			merged.URL = src.URL
		}
	}
	if src.RelevanceScore > merged.RelevanceScore {
		merged.RelevanceScore = src.RelevanceScore
	}

	findings, err := json.Marshal(merged.Findings)
	if err != nil {
		return fmt.Errorf("marshalling findings: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE evidence_cache
		SET findings = ?, tier = ?, citation = ?, url = ?, relevance_score = ?
		WHERE id = ?`,
		string(findings), string(merged.Tier), merged.Citation, merged.URL, merged.RelevanceScore, merged.ID)
	if err != nil {
		return fmt.Errorf("merging evidence %s: %w", merged.ID, err)
	}
	if merged.Tier != dst.Tier {
		if err := c.index.Add(ctx, []vectordb.Document{toDocument(&merged)}); err != nil {
			return fmt.Errorf("reindexing evidence %s: %w", merged.ID, err)
		}
	}
	*dst = merged
	return nil
}

func validateEntry(e Entry) error {
	if !e.Tier.Valid() {
		return fmt.Errorf("invalid evidence tier %q", e.Tier)
	}
	if e.SourceType != "" && !e.SourceType.Valid() {
		return fmt.Errorf("invalid source type %q", e.SourceType)
	}
	if e.Citation == "" {
		return fmt.Errorf("evidence citation is required")
	}
	if e.RelevanceScore < 0 || e.RelevanceScore > 100 {
		return fmt.Errorf("relevance score %d outside 0-100", e.RelevanceScore)
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("evidence embedding is required")
	}
	var norm float64
	for _, x := range e.Embedding {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("evidence embedding contains non-finite values")
		}
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return vectordb.ErrZeroVector
	}
	return nil
}

// NormalizeCitation lowercases a citation and collapses its whitespace.
func NormalizeCitation(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func dedupeFindings(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, f := range list {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func copyEntry(e *Entry) Entry {
	out := *e
	out.Findings = append([]string(nil), e.Findings...)
	if e.LastUsed != nil {
		t := *e.LastUsed
		out.LastUsed = &t
	}
	return out
}

func toDocument(e *Entry) vectordb.Document {
	return vectordb.Document{
		ID:        e.ID,
		Content:   e.Citation,
		Embedding: e.Embedding,
		Metadata: vectordb.DocumentMetadata{
			Tier:        string(e.Tier),
			PatternType: e.PatternType,
			SourceType:  string(e.SourceType),
			Citation:    e.Citation,
			CreatedAt:   e.CreatedAt,
		},
	}
}

const selectEntries = `SELECT id, pattern_type, query_text, tier, source_type, citation, url,
	findings, relevance_score, embedding, hit_count, last_used, created_at FROM evidence_cache`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e            Entry
		tier, source string
		findingsJSON string
		blob         []byte
		lastUsed     sql.NullString
		createdAt    string
	)
	err := sc.Scan(&e.ID, &e.PatternType, &e.QueryText, &tier, &source, &e.Citation, &e.URL,
		&findingsJSON, &e.RelevanceScore, &blob, &e.HitCount, &lastUsed, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Tier = Tier(tier)
	e.SourceType = SourceType(source)
	if err := json.Unmarshal([]byte(findingsJSON), &e.Findings); err != nil {
		e.Findings = nil
	}
	e.Embedding = decodeVector(blob)
	e.CreatedAt = parseTime(createdAt)
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		e.LastUsed = &t
	}
	return &e, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// encodeVector stores float32s little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

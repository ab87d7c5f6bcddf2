package vectordb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/ziadkadry99/kinesight/internal/embeddings"
)

const collectionName = "evidence"

// ErrZeroVector is returned for embeddings whose norm is zero; they cannot be
// normalized and have no meaningful neighbours.
var ErrZeroVector = errors.New("embedding has zero norm")

// ChromemIndex implements Index using an in-memory chromem-go collection.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embeddings.Embedder
}

// NewChromemIndex creates an empty index. embedder is only needed for
// QueryText and may be nil.
func NewChromemIndex(embedder embeddings.Embedder) (*ChromemIndex, error) {
	db := chromem.NewDB()

	ef := func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("vectordb: documents must be added with precomputed embeddings")
	}
	if embedder != nil {
		ef = embeddings.ToChromemFunc(embedder, embeddings.TaskRetrievalQuery)
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, ef)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &ChromemIndex{db: db, collection: col, embedder: embedder}, nil
}

func (s *ChromemIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	chromDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		if isZero(doc.Embedding) {
			return fmt.Errorf("document %s: %w", doc.ID, ErrZeroVector)
		}
		chromDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Embedding: doc.Embedding,
			Metadata:  metadataToMap(doc.Metadata),
		}
	}

	return s.collection.AddDocuments(ctx, chromDocs, 1)
}

func (s *ChromemIndex) QueryEmbedding(ctx context.Context, embedding []float32, limit int, filter *SearchFilter) ([]SearchResult, error) {
	if isZero(embedding) {
		return nil, ErrZeroVector
	}
	limit, ok := s.clampLimit(limit)
	if !ok {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, limit, buildWhereClause(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	return toSearchResults(results), nil
}

func (s *ChromemIndex) QueryText(ctx context.Context, text string, limit int, filter *SearchFilter) ([]SearchResult, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("vectordb: no embedder configured for text queries")
	}
	limit, ok := s.clampLimit(limit)
	if !ok {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, text, limit, buildWhereClause(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	return toSearchResults(results), nil
}

func (s *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.collection.Delete(ctx, nil, nil, ids...)
}

func (s *ChromemIndex) Count() int {
	return s.collection.Count()
}

// clampLimit keeps nResults within what chromem-go accepts: at least one and
// no more than the collection size.
func (s *ChromemIndex) clampLimit(limit int) (int, bool) {
	count := s.collection.Count()
	if count == 0 {
		return 0, false
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > count {
		limit = count
	}
	return limit, true
}

func toSearchResults(results []chromem.Result) []SearchResult {
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			Document: Document{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  mapToMetadata(r.Metadata),
			},
			Similarity: r.Similarity,
		}
	}
	return out
}

func isZero(v []float32) bool {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return sum == 0 || math.IsNaN(sum)
}

// metadataToMap converts DocumentMetadata to a flat map[string]string for chromem.
func metadataToMap(m DocumentMetadata) map[string]string {
	return map[string]string{
		"tier":         m.Tier,
		"pattern_type": m.PatternType,
		"source_type":  m.SourceType,
		"citation":     m.Citation,
		"created_at":   m.CreatedAt.Format(time.RFC3339),
	}
}

// mapToMetadata converts a flat map[string]string back to DocumentMetadata.
func mapToMetadata(m map[string]string) DocumentMetadata {
	createdAt, _ := time.Parse(time.RFC3339, m["created_at"])
	return DocumentMetadata{
		Tier:        m["tier"],
		PatternType: m["pattern_type"],
		SourceType:  m["source_type"],
		Citation:    m["citation"],
		CreatedAt:   createdAt,
	}
}

// buildWhereClause converts a SearchFilter to a chromem where clause.
func buildWhereClause(filter *SearchFilter) map[string]string {
	if filter == nil {
		return nil
	}

	where := make(map[string]string)
	if filter.Tier != nil {
		where["tier"] = *filter.Tier
	}
	if filter.PatternType != nil {
		where["pattern_type"] = *filter.PatternType
	}

	if len(where) == 0 {
		return nil
	}
	return where
}

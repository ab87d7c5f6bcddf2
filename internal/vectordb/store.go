package vectordb

import "context"

// Index stores embedded documents and returns nearest neighbours.
type Index interface {
	// Add adds or replaces documents. Documents must carry a non-zero embedding.
	Add(ctx context.Context, docs []Document) error

	// QueryEmbedding returns up to limit documents closest to the vector.
	QueryEmbedding(ctx context.Context, embedding []float32, limit int, filter *SearchFilter) ([]SearchResult, error)

	// QueryText embeds text as a retrieval query and searches with it.
	QueryText(ctx context.Context, text string, limit int, filter *SearchFilter) ([]SearchResult, error)

	// Delete removes documents by id.
	Delete(ctx context.Context, ids ...string) error

	// Count returns the total number of documents in the index.
	Count() int
}

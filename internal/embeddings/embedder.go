package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// TaskType tells providers that support it how the vector will be used.
type TaskType string

const (
	TaskRetrievalQuery     TaskType = "RETRIEVAL_QUERY"
	TaskRetrievalDocument  TaskType = "RETRIEVAL_DOCUMENT"
	TaskSemanticSimilarity TaskType = "SEMANTIC_SIMILARITY"
)

// MaxBatchSize is the largest batch EmbedBatch accepts.
const MaxBatchSize = 100

// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize. Batches are
// never truncated.
var ErrBatchTooLarge = errors.New("embedding batch too large")

// Embedder generates text embeddings.
type Embedder interface {
	// Embed generates one embedding for text.
	Embed(ctx context.Context, text string, task TaskType) ([]float32, error)

	// EmbedBatch embeds up to MaxBatchSize texts as documents.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the number of dimensions in the embedding vectors.
	Dimensions() int

	// Name returns the name/identifier of the embedding model.
	Name() string
}

func checkBatch(texts []string) error {
	if len(texts) > MaxBatchSize {
		return fmt.Errorf("%w: %d texts, limit %d", ErrBatchTooLarge, len(texts), MaxBatchSize)
	}
	return nil
}

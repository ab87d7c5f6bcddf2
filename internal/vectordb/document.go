package vectordb

import "time"

// Document is one embedded evidence finding held in the index.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  DocumentMetadata
}

// DocumentMetadata holds the fields the index can filter on.
type DocumentMetadata struct {
	Tier        string
	PatternType string
	SourceType  string
	Citation    string
	CreatedAt   time.Time
}

// SearchResult pairs a document with its similarity score.
type SearchResult struct {
	Document   Document
	Similarity float32
}

// SearchFilter narrows results by exact metadata match.
type SearchFilter struct {
	Tier        *string
	PatternType *string
}

package retrieval

import (
	"context"
	"time"
)

// VectorStore is the storage and similarity search backend for knowledge
// vectors. The SQLite implementation scans every vector; an ANN-capable
// backend can replace it behind this interface.
type VectorStore interface {
	// Insert adds records atomically.
	Insert(ctx context.Context, records []Record) error

	// Search returns the top-K records by cosine similarity, highest first.
	// Equal scores keep insertion order.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteByDoc removes every chunk of a knowledge document.
	DeleteByDoc(ctx context.Context, docID string) (int, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)
}

// Record represents a row in the vector store.
type Record struct {
	ID         string
	DocID      string
	SourceType string
	Title      string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
	Tags       string // JSON array stored as text
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

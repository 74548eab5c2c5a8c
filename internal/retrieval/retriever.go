package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnavailable wraps embedding or vector store failures. Callers degrade
// to an ungrounded reply instead of failing the turn.
var ErrUnavailable = errors.New("retrieval unavailable")

const (
	MinK            = 1
	MaxK            = 20
	DefaultMinScore = 0.3
)

// KnowledgeChunk is a retrieved passage with its similarity score.
type KnowledgeChunk struct {
	SourceID   string
	SourceType string
	Title      string
	Text       string
	Score      float32
}

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever combines embedding and vector search to find grounding passages.
type Retriever struct {
	embedder QueryEmbedder
	store    VectorStore
	minScore float32
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. Passages scoring at or below minScore are
// dropped.
func NewRetriever(embedder QueryEmbedder, store VectorStore, minScore float64) *Retriever {
	return &Retriever{
		embedder: embedder,
		store:    store,
		minScore: float32(minScore),
		logger:   slog.Default(),
	}
}

// ClampK bounds k to [MinK, MaxK].
func ClampK(k int) int {
	return max(MinK, min(k, MaxK))
}

// Retrieve embeds the query and returns up to k passages ordered by
// descending score.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]KnowledgeChunk, error) {
	k = ClampK(k)

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	scored, err := r.store.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("%w: searching vectors: %w", ErrUnavailable, err)
	}

	chunks := make([]KnowledgeChunk, 0, len(scored))
	for _, s := range scored {
		if s.Score <= r.minScore {
			continue
		}
		chunks = append(chunks, KnowledgeChunk{
			SourceID:   s.DocID,
			SourceType: s.SourceType,
			Title:      s.Title,
			Text:       s.TextChunk,
			Score:      s.Score,
		})
	}
	r.logger.Debug("knowledge retrieved", "k", k, "candidates", len(scored), "kept", len(chunks))
	return chunks, nil
}

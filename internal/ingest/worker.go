// Package ingest turns knowledge documents into searchable vectors. Documents
// are stored first and embedded later by a Worker draining the job queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// JobTypeEmbed is the job that chunks and embeds one knowledge doc.
const JobTypeEmbed = "knowledge_embed"

// JobStore abstracts the job queue and knowledge doc operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetKnowledgeDoc(ctx context.Context, id string) (storage.KnowledgeDoc, error)
	SetKnowledgeDocChunks(ctx context.Context, id string, n int) error
}

// BatchEmbedder generates embeddings for many texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter replaces the vectors of a document.
type VectorWriter interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteByDoc(ctx context.Context, docID string) (int, error)
}

// Worker processes knowledge_embed jobs from the SQLite job queue.
type Worker struct {
	store        JobStore
	embedder     BatchEmbedder
	vectors      VectorWriter
	poll         time.Duration
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder BatchEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:        store,
		embedder:     embedder,
		vectors:      vectors,
		poll:         pollInterval,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		logger:       slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ingest: worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single knowledge_embed job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest: job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("ingest: failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	DocID string `json:"doc_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetKnowledgeDoc(ctx, payload.DocID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted before it was embedded.
		w.logger.Info("ingest: doc gone, skipping", "doc_id", payload.DocID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading knowledge doc %s: %w", payload.DocID, err)
	}

	chunks := Chunk(doc.Content, w.chunkSize, w.chunkOverlap)
	if len(chunks) == 0 {
		return w.store.SetKnowledgeDocChunks(ctx, doc.ID, 0)
	}

	vecs, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			DocID:      doc.ID,
			SourceType: doc.Source,
			Title:      doc.Title,
			TextChunk:  c,
			Embedding:  vecs[i],
			CreatedAt:  now,
			Tags:       doc.Tags,
		}
	}

	// Re-running a job replaces the doc's vectors rather than duplicating them.
	if _, err := w.vectors.DeleteByDoc(ctx, doc.ID); err != nil {
		return fmt.Errorf("clearing old vectors: %w", err)
	}
	if err := w.vectors.Insert(ctx, records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}

	if err := w.store.SetKnowledgeDocChunks(ctx, doc.ID, len(records)); err != nil {
		return fmt.Errorf("updating chunk count: %w", err)
	}
	w.logger.Info("ingest: doc embedded", "doc_id", doc.ID, "chunks", len(records))
	return nil
}

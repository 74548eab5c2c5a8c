package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// ErrInvalidDocument is returned for submissions with nothing to ingest.
var ErrInvalidDocument = errors.New("invalid document")

// Source types accepted by Submit.
const (
	TypeText = "text"
	TypeURL  = "url"
	TypeFile = "file"
)

// Document is a knowledge submission. Content holds plain text for
// TypeText and base64 data for TypeFile; URL is used for TypeURL.
type Document struct {
	Source  string   `json:"source"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	URL     string   `json:"url"`
	Tags    []string `json:"tags"`
}

// DocStore is the storage used to queue documents.
type DocStore interface {
	SaveKnowledgeDoc(ctx context.Context, doc storage.KnowledgeDoc) error
	DeleteKnowledgeDoc(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// VectorDeleter removes the vectors of a document.
type VectorDeleter interface {
	DeleteByDoc(ctx context.Context, docID string) (int, error)
}

// Submitter resolves a Document to text, stores it and queues embedding.
type Submitter struct {
	store   DocStore
	vectors VectorDeleter
	client  *http.Client
}

// NewSubmitter creates a Submitter. A nil client uses http.DefaultClient.
func NewSubmitter(store DocStore, vectors VectorDeleter, client *http.Client) *Submitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Submitter{store: store, vectors: vectors, client: client}
}

// Submit stores the document and enqueues a knowledge_embed job for it.
func (s *Submitter) Submit(ctx context.Context, d Document) (storage.KnowledgeDoc, error) {
	if d.Type == "" {
		d.Type = TypeText
		if d.Content == "" && d.URL != "" {
			d.Type = TypeURL
		}
	}
	if d.Source == "" {
		d.Source = d.Type
	}

	var content string
	switch d.Type {
	case TypeURL:
		if d.URL == "" {
			return storage.KnowledgeDoc{}, fmt.Errorf("%w: url is required", ErrInvalidDocument)
		}
		title, text, err := Fetch(ctx, s.client, d.URL)
		if err != nil {
			return storage.KnowledgeDoc{}, err
		}
		content = text
		if d.Title == "" {
			d.Title = title
		}
		if d.Title == "" {
			d.Title = d.URL
		}
	case TypeFile:
		data, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return storage.KnowledgeDoc{}, fmt.Errorf("%w: invalid base64 content", ErrInvalidDocument)
		}
		if content, err = ExtractFile(data); err != nil {
			return storage.KnowledgeDoc{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
	case TypeText:
		content = d.Content
	default:
		return storage.KnowledgeDoc{}, fmt.Errorf("%w: unknown type %q", ErrInvalidDocument, d.Type)
	}

	if strings.TrimSpace(content) == "" {
		return storage.KnowledgeDoc{}, fmt.Errorf("%w: no text content", ErrInvalidDocument)
	}

	tags := "[]"
	if len(d.Tags) > 0 {
		b, err := json.Marshal(d.Tags)
		if err != nil {
			return storage.KnowledgeDoc{}, fmt.Errorf("encoding tags: %w", err)
		}
		tags = string(b)
	}

	doc := storage.KnowledgeDoc{
		ID:        uuid.New().String(),
		Title:     d.Title,
		Content:   content,
		Source:    d.Source,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveKnowledgeDoc(ctx, doc); err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("saving document: %w", err)
	}

	payload, err := json.Marshal(embedPayload{DocID: doc.ID})
	if err != nil {
		return storage.KnowledgeDoc{}, err
	}
	job := storage.Job{ID: uuid.New().String(), Type: JobTypeEmbed, PayloadJSON: string(payload)}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return storage.KnowledgeDoc{}, fmt.Errorf("enqueueing job: %w", err)
	}
	return doc, nil
}

// Delete removes a document and its vectors.
func (s *Submitter) Delete(ctx context.Context, id string) error {
	if s.vectors != nil {
		if _, err := s.vectors.DeleteByDoc(ctx, id); err != nil {
			return fmt.Errorf("deleting vectors: %w", err)
		}
	}
	return s.store.DeleteKnowledgeDoc(ctx, id)
}

package retrieval

import (
	"context"
	"errors"
	"testing"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	searchFn func(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)
}

func (m *mockVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	return m.searchFn(ctx, vector, topK)
}
func (m *mockVectorStore) Insert(context.Context, []Record) error           { return nil }
func (m *mockVectorStore) DeleteByDoc(context.Context, string) (int, error) { return 0, nil }
func (m *mockVectorStore) Count(context.Context) (int, error)               { return 0, nil }

type queryEmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f queryEmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func staticEmbedder() QueryEmbedder {
	return queryEmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{1, 0}, nil
	})
}

func TestClampK(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, 1},
		{0, 1},
		{1, 1},
		{5, 5},
		{20, 20},
		{21, 20},
		{500, 20},
	}
	for _, tt := range tests {
		if got := ClampK(tt.in); got != tt.want {
			t.Errorf("ClampK(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRetrieve_ClampsKBeforeSearch(t *testing.T) {
	var gotK int
	store := &mockVectorStore{
		searchFn: func(_ context.Context, _ []float32, topK int) ([]ScoredRecord, error) {
			gotK = topK
			return nil, nil
		},
	}
	r := NewRetriever(staticEmbedder(), store, DefaultMinScore)

	if _, err := r.Retrieve(context.Background(), "q", 100); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotK != MaxK {
		t.Errorf("search k = %d, want %d", gotK, MaxK)
	}
	if _, err := r.Retrieve(context.Background(), "q", 0); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotK != MinK {
		t.Errorf("search k = %d, want %d", gotK, MinK)
	}
}

func TestRetrieve_DropsLowScores(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
			return []ScoredRecord{
				{Record: Record{DocID: "d1", SourceType: "text", Title: "מחירון", TextChunk: "המוצר עולה 149 ₪"}, Score: 0.82},
				{Record: Record{DocID: "d2", TextChunk: "edge"}, Score: 0.3},
				{Record: Record{DocID: "d3", TextChunk: "noise"}, Score: 0.1},
			}, nil
		},
	}
	r := NewRetriever(staticEmbedder(), store, 0.3)

	chunks, err := r.Retrieve(context.Background(), "מה מחיר המוצר?", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	c := chunks[0]
	if c.SourceID != "d1" || c.Title != "מחירון" || c.Text != "המוצר עולה 149 ₪" || c.Score != 0.82 {
		t.Errorf("chunk = %+v", c)
	}
}

func TestRetrieve_EmbedFailureIsUnavailable(t *testing.T) {
	emb := queryEmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("timeout")
	})
	store := &mockVectorStore{
		searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
			t.Error("search should not run when embedding fails")
			return nil, nil
		},
	}
	_, err := NewRetriever(emb, store, DefaultMinScore).Retrieve(context.Background(), "q", 5)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestRetrieve_StoreFailureIsUnavailable(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(context.Context, []float32, int) ([]ScoredRecord, error) {
			return nil, errors.New("database is locked")
		},
	}
	_, err := NewRetriever(staticEmbedder(), store, DefaultMinScore).Retrieve(context.Background(), "q", 5)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestRetrieve_EndToEndWithSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.Insert(ctx, []Record{
		{ID: "1", DocID: "faq", SourceType: "text", TextChunk: "first", Embedding: []float32{1, 0}},
		{ID: "2", DocID: "faq", SourceType: "text", TextChunk: "second", Embedding: []float32{1, 0}},
		{ID: "3", DocID: "faq", SourceType: "text", TextChunk: "orthogonal", Embedding: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	chunks, err := NewRetriever(staticEmbedder(), s, DefaultMinScore).Retrieve(ctx, "q", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "first" || chunks[1].Text != "second" {
		t.Errorf("chunks = %+v, want [first second]", chunks)
	}
}

package retrieval

import (
	"cmp"
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// timeLayout matches the storage package so created_at columns sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore provides vector storage and brute-force cosine similarity search
// over the knowledge_vectors table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The knowledge_vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds records to knowledge_vectors in one transaction.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_vectors (id, doc_id, source_type, title, text_chunk, embedding, created_at, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		tags := r.Tags
		if tags == "" {
			tags = "[]"
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.DocID, r.SourceType, r.Title, r.TextChunk,
			encodeFloat32s(r.Embedding), createdAt.UTC().Format(timeLayout), tags); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the row identity and score during the scan phase of
// Search. Full record details are fetched only for top-K winners.
type idScore struct {
	RowID int64
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over all vectors.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan rowid + embedding in insertion order. A later row only
	// displaces a candidate with a strictly better score.
	rows, err := s.db.QueryContext(ctx, `SELECT rowid, id, embedding FROM knowledge_vectors ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var c idScore
		var blob []byte
		if err := rows.Scan(&c.RowID, &c.ID, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}

		c.Score = cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, c)
		} else if c.Score > (*h)[0].Score {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the winners.
	winners := make(map[string]idScore, h.Len())
	args := make([]any, 0, h.Len())
	for _, c := range *h {
		winners[c.ID] = c
		args = append(args, c.ID)
	}

	fullRows, err := s.db.QueryContext(ctx, `SELECT id, doc_id, source_type, title, text_chunk, created_at, tags
		FROM knowledge_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	results := make([]ScoredRecord, 0, len(args))
	for fullRows.Next() {
		var r Record
		var createdAt string
		if err := fullRows.Scan(&r.ID, &r.DocID, &r.SourceType, &r.Title, &r.TextChunk, &createdAt, &r.Tags); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		results = append(results, ScoredRecord{Record: r, Score: winners[r.ID].Score})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	slices.SortFunc(results, func(a, b ScoredRecord) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(winners[a.ID].RowID, winners[b.ID].RowID)
	})
	return results, nil
}

// DeleteByDoc removes all chunks belonging to docID.
func (s *SQLiteStore) DeleteByDoc(ctx context.Context, docID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_vectors WHERE doc_id = ?`, docID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s: %w", docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of records in knowledge_vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_vectors`).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different length
// score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap keyed by score; among equal scores the latest
// row sits on top so it is evicted first.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int { return len(h) }
func (h idScoreHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].RowID > h[j].RowID
}
func (h idScoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)   { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

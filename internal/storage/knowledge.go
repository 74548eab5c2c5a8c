package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) SaveKnowledgeDoc(ctx context.Context, doc KnowledgeDoc) error {
	if doc.Tags == "" {
		doc.Tags = "[]"
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_docs (id, title, content, source, tags, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.Source, doc.Tags, doc.ChunkCount, formatTime(doc.CreatedAt),
	)
	if err != nil {
		return unavailable("saving knowledge doc", err)
	}
	return nil
}

func (s *Store) GetKnowledgeDoc(ctx context.Context, id string) (KnowledgeDoc, error) {
	var d KnowledgeDoc
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, tags, chunk_count, created_at
		FROM knowledge_docs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Tags, &d.ChunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeDoc{}, ErrNotFound
	}
	if err != nil {
		return KnowledgeDoc{}, unavailable("loading knowledge doc", err)
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return KnowledgeDoc{}, err
	}
	return d, nil
}

func (s *Store) ListKnowledgeDocs(ctx context.Context, limit, offset int) ([]KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, source, tags, chunk_count, created_at
		FROM knowledge_docs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, unavailable("listing knowledge docs", err)
	}
	defer rows.Close()

	out := []KnowledgeDoc{}
	for rows.Next() {
		var d KnowledgeDoc
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.Tags, &d.ChunkCount, &createdAt); err != nil {
			return nil, unavailable("scanning knowledge doc", err)
		}
		if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating knowledge docs", err)
	}
	return out, nil
}

// SetKnowledgeDocChunks records how many vectors were produced for a doc.
func (s *Store) SetKnowledgeDocChunks(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge_docs SET chunk_count = ? WHERE id = ?`, n, id)
	if err != nil {
		return unavailable("updating chunk count", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("updating chunk count", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteKnowledgeDoc removes the doc. Its vectors are removed by the
// vector store.
func (s *Store) DeleteKnowledgeDoc(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_docs WHERE id = ?`, id)
	if err != nil {
		return unavailable("deleting knowledge doc", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("deleting knowledge doc", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

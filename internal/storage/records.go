package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveRecord appends a captured record. A second record with the same
// idempotency key is rejected with ErrDuplicateKey.
func (s *Store) SaveRecord(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.RowJSON == "" {
		r.RowJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, idempotency_key, session_id, kind, fields_json, row_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.IdempotencyKey, r.SessionID, r.Kind, r.FieldsJSON, r.RowJSON, formatTime(r.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return unavailable("saving record", err)
	}
	return nil
}

func (s *Store) GetRecordByKey(ctx context.Context, key string) (Record, error) {
	var r Record
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, session_id, kind, fields_json, row_json, created_at
		FROM records WHERE idempotency_key = ?`, key,
	).Scan(&r.ID, &r.IdempotencyKey, &r.SessionID, &r.Kind, &r.FieldsJSON, &r.RowJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable("loading record", err)
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *Store) ListRecords(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, idempotency_key, session_id, kind, fields_json, row_json, created_at FROM records`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("listing records", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		var createdAt string
		if err := rows.Scan(&r.ID, &r.IdempotencyKey, &r.SessionID, &r.Kind, &r.FieldsJSON, &r.RowJSON, &createdAt); err != nil {
			return nil, unavailable("scanning record", err)
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating records", err)
	}
	return out, nil
}

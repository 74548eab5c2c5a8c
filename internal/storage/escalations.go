package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) SaveEscalation(ctx context.Context, e EscalationEvent) (EscalationEvent, error) {
	return insertEscalation(ctx, s.db, e)
}

func insertEscalation(ctx context.Context, ex execer, e EscalationEvent) (EscalationEvent, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO escalations (id, session_id, message, reason, customer_phone, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Message, e.Reason, e.CustomerPhone, formatTime(e.CreatedAt),
	)
	if err != nil {
		return EscalationEvent{}, unavailable("saving escalation", err)
	}
	return e, nil
}

// ListEscalations returns escalation events newest first. An empty
// sessionID lists events for all sessions.
func (s *Store) ListEscalations(ctx context.Context, sessionID string, limit int) ([]EscalationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, message, reason, customer_phone, created_at FROM escalations`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("listing escalations", err)
	}
	defer rows.Close()

	out := []EscalationEvent{}
	for rows.Next() {
		var e EscalationEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Message, &e.Reason, &e.CustomerPhone, &createdAt); err != nil {
			return nil, unavailable("scanning escalation", err)
		}
		if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating escalations", err)
	}
	return out, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a new session. An empty id mints a fresh one.
// Creating an id that already exists returns the existing session.
func (s *Store) CreateSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, generation, escalated, order_captured, created_at, last_active_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, uuid.New().String(), now, now)
	if err != nil {
		return Session{}, unavailable("creating session", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession loads a session with its messages in append order.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var escalated, orderCaptured int
	var createdAt, lastActive string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, generation, escalated, order_captured, created_at, last_active_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Generation, &escalated, &orderCaptured, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, unavailable("loading session", err)
	}
	sess.Escalated = escalated != 0
	sess.OrderCaptured = orderCaptured != 0
	if sess.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Session{}, err
	}
	if sess.LastActiveAt, err = parseTime("last_active_at", lastActive); err != nil {
		return Session{}, err
	}

	if sess.Messages, err = s.messages(ctx, id); err != nil {
		return Session{}, err
	}
	if sess.Warnings, err = s.warnings(ctx, id); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, unavailable("loading messages", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, unavailable("scanning message", err)
		}
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating messages", err)
	}
	return msgs, nil
}

func (s *Store) warnings(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message FROM session_warnings WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, unavailable("loading warnings", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, unavailable("scanning warning", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating warnings", err)
	}
	return out, nil
}

// Turn is one exchange to commit, with the session changes it carries.
type Turn struct {
	User      Message
	Assistant Message
	// Escalate sets the session's escalated flag.
	Escalate bool
	// Escalation, when set, is recorded with the turn.
	Escalation *EscalationEvent
}

// AppendTurn commits a user message and the assistant reply in one
// transaction. Either both are stored, in that order, or neither is.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, user, assistant Message) (Session, error) {
	return s.CommitTurn(ctx, sessionID, Turn{User: user, Assistant: assistant})
}

// CommitTurn stores the turn's messages, flag change and escalation event in
// one transaction. On error nothing of the turn is visible.
func (s *Store) CommitTurn(ctx context.Context, sessionID string, turn Turn) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, unavailable("beginning turn transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return Session{}, unavailable("checking session", err)
	}
	if exists == 0 {
		return Session{}, ErrNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return Session{}, unavailable("reading sequence", err)
	}

	now := time.Now()
	for _, m := range []Message{turn.User, turn.Assistant} {
		seq++
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, sessionID, seq, m.Role, m.Content, formatTime(created),
		); err != nil {
			return Session{}, unavailable(fmt.Sprintf("inserting %s message", m.Role), err)
		}
	}

	if turn.Escalate {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET escalated = 1 WHERE id = ?`, sessionID); err != nil {
			return Session{}, unavailable("updating escalated", err)
		}
	}
	if turn.Escalation != nil {
		e := *turn.Escalation
		e.SessionID = sessionID
		if _, err := insertEscalation(ctx, tx, e); err != nil {
			return Session{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, formatTime(now), sessionID); err != nil {
		return Session{}, unavailable("touching session", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, unavailable("committing turn", err)
	}
	return s.GetSession(ctx, sessionID)
}

// ClearSession removes all messages and warnings, resets the session flags
// and starts a new generation. The identifier stays valid.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning clear transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET generation = ?, escalated = 0, order_captured = 0, last_active_at = ?
		WHERE id = ?`, uuid.New().String(), formatTime(time.Now()), id)
	if err != nil {
		return unavailable("resetting session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("resetting session", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return unavailable("deleting messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_warnings WHERE session_id = ?`, id); err != nil {
		return unavailable("deleting warnings", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing clear", err)
	}
	return nil
}

// DeleteAllSessions drops every session with its messages and warnings and
// returns how many sessions were removed.
func (s *Store) DeleteAllSessions(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("beginning purge transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, unavailable("deleting sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("deleting sessions", err)
	}
	for _, table := range []string{"messages", "session_warnings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return 0, unavailable("deleting "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("committing purge", err)
	}
	return int(n), nil
}

func (s *Store) SetEscalated(ctx context.Context, id string, escalated bool) error {
	return s.setFlag(ctx, id, "escalated", escalated)
}

func (s *Store) SetOrderCaptured(ctx context.Context, id string, captured bool) error {
	return s.setFlag(ctx, id, "order_captured", captured)
}

func (s *Store) setFlag(ctx context.Context, id, column string, v bool) error {
	val := 0
	if v {
		val = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+column+` = ? WHERE id = ?`, val, id)
	if err != nil {
		return unavailable("updating "+column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("updating "+column, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddWarning attaches a soft, user-invisible warning to a session.
func (s *Store) AddWarning(ctx context.Context, sessionID, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_warnings (session_id, message, created_at) VALUES (?, ?, ?)`,
		sessionID, msg, formatTime(time.Now()))
	if err != nil {
		return unavailable("adding warning", err)
	}
	return nil
}

// ListActiveSessions returns sessions active at or after since, most recent first.
func (s *Store) ListActiveSessions(ctx context.Context, since time.Time) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.escalated, s.created_at, s.last_active_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		WHERE s.last_active_at >= ?
		ORDER BY s.last_active_at DESC`, formatTime(since))
	if err != nil {
		return nil, unavailable("listing sessions", err)
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var escalated int
		var createdAt, lastActive string
		if err := rows.Scan(&sum.ID, &escalated, &createdAt, &lastActive, &sum.MessageCount); err != nil {
			return nil, unavailable("scanning session", err)
		}
		sum.Escalated = escalated != 0
		if sum.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if sum.LastActiveAt, err = parseTime("last_active_at", lastActive); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating sessions", err)
	}
	return out, nil
}

// GetStats returns aggregate counters. Sessions active at or after since
// count as active.
func (s *Store) GetStats(ctx context.Context, since time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE last_active_at >= ?),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM escalations),
			(SELECT COUNT(*) FROM records)`, formatTime(since),
	).Scan(&st.ActiveSessions, &st.TotalSessions, &st.TotalMessages, &st.TotalEscalations, &st.TotalRecords)
	if err != nil {
		return Stats{}, unavailable("reading stats", err)
	}
	return st, nil
}

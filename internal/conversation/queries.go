package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// Stats aggregates session counters for the admin dashboard.
type Stats struct {
	ActiveSessions   int     `json:"active_sessions"`
	TotalSessions    int     `json:"total_sessions"`
	TotalMessages    int     `json:"total_messages"`
	TotalEscalations int     `json:"total_escalations"`
	TotalRecords     int     `json:"total_records"`
	EscalationRate   float64 `json:"escalation_rate"`
}

// History returns the committed messages of a session. Unknown sessions have
// an empty history.
func (o *Orchestrator) History(ctx context.Context, id string) ([]storage.Message, error) {
	sess, err := o.Session(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// Session returns the full session, or storage.ErrNotFound.
func (o *Orchestrator) Session(ctx context.Context, id string) (storage.Session, error) {
	var sess storage.Session
	err := o.retry(ctx, "loading session", func() error {
		var err error
		sess, err = o.deps.Store.GetSession(ctx, id)
		return err
	})
	return sess, err
}

// Clear empties a session under its lock so it never races a turn. Clearing
// an unknown session is a no-op.
func (o *Orchestrator) Clear(ctx context.Context, id string) error {
	release, err := o.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	err = o.retry(ctx, "clearing session", func() error {
		return o.deps.Store.ClearSession(ctx, id)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err == nil {
		o.logger.Info("session cleared", "session_id", id)
	}
	return err
}

// ClearAll deletes every session and returns how many were removed.
func (o *Orchestrator) ClearAll(ctx context.Context) (int, error) {
	var n int
	err := o.retry(ctx, "deleting sessions", func() error {
		var err error
		n, err = o.deps.Store.DeleteAllSessions(ctx)
		return err
	})
	if err == nil {
		o.logger.Info("all sessions cleared", "count", n)
	}
	return n, err
}

// ActiveSessions lists sessions active at or after since. A zero since uses
// the configured session TTL.
func (o *Orchestrator) ActiveSessions(ctx context.Context, since time.Time) ([]storage.SessionSummary, error) {
	if since.IsZero() {
		since = o.now().Add(-o.cfg.SessionTTL)
	}
	var out []storage.SessionSummary
	err := o.retry(ctx, "listing sessions", func() error {
		var err error
		out, err = o.deps.Store.ListActiveSessions(ctx, since)
		return err
	})
	return out, err
}

// Escalations lists escalation events, newest first. An empty sessionID
// lists across all sessions.
func (o *Orchestrator) Escalations(ctx context.Context, sessionID string, limit int) ([]storage.EscalationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []storage.EscalationEvent
	err := o.retry(ctx, "listing escalations", func() error {
		var err error
		out, err = o.deps.Store.ListEscalations(ctx, sessionID, limit)
		return err
	})
	return out, err
}

// Stats returns counters over the configured activity window.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var st storage.Stats
	err := o.retry(ctx, "reading stats", func() error {
		var err error
		st, err = o.deps.Store.GetStats(ctx, o.now().Add(-o.cfg.SessionTTL))
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		ActiveSessions:   st.ActiveSessions,
		TotalSessions:    st.TotalSessions,
		TotalMessages:    st.TotalMessages,
		TotalEscalations: st.TotalEscalations,
		TotalRecords:     st.TotalRecords,
		EscalationRate:   float64(st.TotalEscalations) / float64(max(st.ActiveSessions, 1)),
	}, nil
}

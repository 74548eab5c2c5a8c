// Package conversation runs the per-turn pipeline of the support agent:
// escalation check, knowledge retrieval, generation, record capture and an
// atomic commit of the turn, serialized per session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayFeldboy1010/lustchatbot/internal/capture"
	"github.com/ShayFeldboy1010/lustchatbot/internal/engine"
	"github.com/ShayFeldboy1010/lustchatbot/internal/escalation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/generator"
	"github.com/ShayFeldboy1010/lustchatbot/internal/notify"
	"github.com/ShayFeldboy1010/lustchatbot/internal/policy"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

var (
	// ErrInvalidInput is returned for an empty message. Nothing is stored.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStorageUnavailable is returned once store retries are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Replies sent instead of a generated answer when a session escalates.
const (
	HandoffReply = "הבנתי, אני מעביר את הפנייה שלך לנציג אנושי 🙏 נציג יחזור אליך בהקדם האפשרי."
	LimitReply   = "תודה על השיחה! כנראה שלא הצלחתי לעזור לך 😅 מעביר את פנייתך לנציג אנושי. נציג יחזור אליך בהקדם האפשרי!"
)

// SessionStore is the persistence the orchestrator needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (storage.Session, error)
	CreateSession(ctx context.Context, id string) (storage.Session, error)
	CommitTurn(ctx context.Context, id string, turn storage.Turn) (storage.Session, error)
	ClearSession(ctx context.Context, id string) error
	DeleteAllSessions(ctx context.Context) (int, error)
	SetOrderCaptured(ctx context.Context, id string, captured bool) error
	AddWarning(ctx context.Context, id, msg string) error
	ListActiveSessions(ctx context.Context, since time.Time) ([]storage.SessionSummary, error)
	ListEscalations(ctx context.Context, sessionID string, limit int) ([]storage.EscalationEvent, error)
	GetStats(ctx context.Context, since time.Time) (storage.Stats, error)
}

// Classifier decides whether a turn escalates.
type Classifier interface {
	Classify(text string, sc escalation.SessionContext) escalation.Decision
}

// Retriever finds grounding passages.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.KnowledgeChunk, error)
}

// Generator produces the assistant reply.
type Generator interface {
	Generate(ctx context.Context, history []engine.Message, chunks []retrieval.KnowledgeChunk) (generator.Reply, error)
}

// Capturer appends structured records.
type Capturer interface {
	Capture(ctx context.Context, p capture.RecordPayload) (capture.Result, error)
}

// Notifier tells the support team about escalations and orders.
type Notifier interface {
	Notify(ctx context.Context, e notify.Event) error
}

// OrderPolicy decides what happens to a confirmed order.
type OrderPolicy interface {
	Evaluate(ctx context.Context, fields map[string]string) (policy.Decision, error)
}

// Config tunes the pipeline. Zero values use the defaults.
type Config struct {
	TopK             int
	HistoryWindow    int
	StoreAttempts    int
	StoreRetryDelay  time.Duration
	RetrievalTimeout time.Duration
	CaptureTimeout   time.Duration
	SessionTTL       time.Duration
	EscalationPolicy escalation.Policy
}

const (
	DefaultTopK             = 5
	DefaultHistoryWindow    = 20
	DefaultStoreAttempts    = 3
	DefaultStoreRetryDelay  = 50 * time.Millisecond
	DefaultRetrievalTimeout = 10 * time.Second
	DefaultCaptureTimeout   = 15 * time.Second
	DefaultSessionTTL       = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.StoreAttempts <= 0 {
		c.StoreAttempts = DefaultStoreAttempts
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = DefaultStoreRetryDelay
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.EscalationPolicy == "" {
		c.EscalationPolicy = escalation.PolicyHandoff
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Notifier and Policy are
// optional.
type Deps struct {
	Store      SessionStore
	Classifier Classifier
	Retriever  Retriever
	Generator  Generator
	Capturer   Capturer
	Notifier   Notifier
	Policy     OrderPolicy
}

// TurnResult is what the transport layer returns to the customer.
type TurnResult struct {
	SessionID        string
	Reply            string
	Escalated        bool
	EscalationReason string
}

// Orchestrator is the only component that mutates sessions.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	locks  *sessionLocks
	logger *slog.Logger
	now    func() time.Time

	// background notifications
	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		locks:  newSessionLocks(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Wait blocks until background notifications have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// HandleTurn processes one customer message. An empty sessionID mints a new
// session; an unknown one is adopted as given. Only ErrInvalidInput,
// ErrStorageUnavailable and context errors are returned; every other failure
// degrades the reply instead.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	start := o.now()
	release, err := o.locks.acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	sess, err := o.loadOrCreate(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}

	t := &turn{
		sess:   sess,
		user:   storage.Message{Role: storage.RoleUser, Content: text, CreatedAt: o.now()},
		index:  len(sess.Messages) / 2,
		logger: o.logger.With("session_id", sessionID),
		result: TurnResult{SessionID: sessionID, Escalated: sess.Escalated},
	}

	decision := o.deps.Classifier.Classify(text, escalation.SessionContext{
		Escalated:    sess.Escalated,
		UserMessages: countRole(sess.Messages, storage.RoleUser),
	})

	if decision.Escalate && (o.cfg.EscalationPolicy == escalation.PolicyHandoff || decision.Reason != escalation.ReasonAlreadyEscalated) {
		o.escalate(t, decision)
	} else {
		if decision.Escalate {
			t.result.EscalationReason = decision.Reason
		}
		o.answer(ctx, t)
	}

	commit := storage.Turn{
		User:       t.user,
		Assistant:  storage.Message{Role: storage.RoleAssistant, Content: t.result.Reply, CreatedAt: o.now()},
		Escalate:   t.result.Escalated && !sess.Escalated,
		Escalation: t.escalation,
	}
	err = o.retry(ctx, "committing turn", func() error {
		_, err := o.deps.Store.CommitTurn(ctx, sessionID, commit)
		return err
	})
	if err != nil {
		return TurnResult{}, err
	}

	if ev := t.escalation; ev != nil {
		t.logger.Info("session escalated", "reason", ev.Reason)
		o.notify(notify.Event{
			Type:      notify.EventEscalation,
			SessionID: sessionID,
			Reason:    ev.Reason,
			Message:   ev.Message,
			Fields:    phoneField(ev.CustomerPhone),
		})
	}

	t.logger.Info("turn handled",
		"turn", t.index,
		"escalated", t.result.Escalated,
		"duration_ms", o.now().Sub(start).Milliseconds(),
	)
	return t.result, nil
}

// turn carries the state of one in-flight turn.
type turn struct {
	sess   storage.Session
	user   storage.Message
	index  int
	logger *slog.Logger
	result TurnResult
	// escalation is recorded together with the turn.
	escalation *storage.EscalationEvent
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, id string) (storage.Session, error) {
	var sess storage.Session
	err := o.retry(ctx, "loading session", func() error {
		var err error
		sess, err = o.deps.Store.GetSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			sess, err = o.deps.Store.CreateSession(ctx, id)
		}
		return err
	})
	return sess, err
}

// escalate answers with the hand-off acknowledgement and prepares the
// escalation event. The flag and the event are stored with the turn.
// Retrieval, generation and capture are skipped.
func (o *Orchestrator) escalate(t *turn, d escalation.Decision) {
	t.result.Escalated = true
	t.result.EscalationReason = d.Reason
	t.result.Reply = HandoffReply
	if d.Reason == escalation.ReasonMessageLimit {
		t.result.Reply = LimitReply
	}
	if d.Reason == escalation.ReasonAlreadyEscalated {
		return
	}
	t.escalation = &storage.EscalationEvent{
		SessionID:     t.sess.ID,
		Message:       t.user.Content,
		Reason:        d.Reason,
		CustomerPhone: findPhone(t.user.Content, t.sess.Messages),
		CreatedAt:     o.now(),
	}
}

// answer runs retrieval, generation and capture. Failures degrade the reply
// but never abort the turn.
func (o *Orchestrator) answer(ctx context.Context, t *turn) {
	chunks := o.retrieve(ctx, t)

	history := window(t.sess.Messages, o.cfg.HistoryWindow)
	history = append(history, engine.Message{Role: t.user.Role, Content: t.user.Content})

	reply, err := o.deps.Generator.Generate(ctx, history, chunks)
	if err != nil {
		t.logger.Warn("generation failed, sending fallback reply", "error", err)
	}
	t.result.Reply = generator.ReplyOrFallback(reply, err)

	if err == nil && reply.Action != nil {
		o.act(ctx, t, reply.Action)
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, t *turn) []retrieval.KnowledgeChunk {
	if o.deps.Retriever == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	defer cancel()

	chunks, err := o.deps.Retriever.Retrieve(rctx, t.user.Content, o.cfg.TopK)
	if err != nil {
		t.logger.Warn("retrieval unavailable, answering without grounding", "error", err)
		return nil
	}
	return chunks
}

// act handles a structured action emitted by the generator.
func (o *Orchestrator) act(ctx context.Context, t *turn, a *generator.Action) {
	switch a.Type {
	case generator.ActionCreateOrder:
		o.captureOrder(ctx, t, a.Fields)
	case "create_lead":
		o.capture(ctx, t, capture.KindLead, a.Fields)
	default:
		t.logger.Debug("ignoring unknown action", "action", a.Type)
	}
}

func (o *Orchestrator) captureOrder(ctx context.Context, t *turn, fields map[string]string) {
	if t.sess.OrderCaptured {
		t.logger.Info("order already captured for session, skipping")
		return
	}

	outcome := policy.Accept
	if o.deps.Policy != nil {
		d, err := o.deps.Policy.Evaluate(ctx, fields)
		if err != nil {
			o.warn(ctx, t, "order policy failed", err)
			return
		}
		if d.Outcome == policy.Reject {
			o.warn(ctx, t, "order rejected by policy", errors.New(d.Reason))
			return
		}
		outcome = d.Outcome
	}

	res, ok := o.capture(ctx, t, capture.KindOrder, fields)
	if !ok || res.Status != capture.StatusCaptured {
		return
	}
	if err := o.deps.Store.SetOrderCaptured(ctx, t.sess.ID, true); err != nil {
		t.logger.Warn("order flag not stored", "error", err)
	}
	if outcome == policy.NotifySupport {
		o.notify(notify.Event{Type: notify.EventOrder, SessionID: t.sess.ID, Reason: "pay_on_delivery", Fields: fields})
	}
}

// capture appends a record. A failure is logged and stored as a session
// warning; it never changes the reply.
func (o *Orchestrator) capture(ctx context.Context, t *turn, kind string, fields map[string]string) (capture.Result, bool) {
	if o.deps.Capturer == nil {
		return capture.Result{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CaptureTimeout)
	defer cancel()

	res, err := o.deps.Capturer.Capture(cctx, capture.RecordPayload{
		Kind:           kind,
		SessionID:      t.sess.ID,
		IdempotencyKey: capture.IdempotencyKey(t.sess.ID, t.sess.Generation, t.index),
		Fields:         fields,
		CreatedAt:      o.now(),
	})
	if err != nil {
		o.warn(ctx, t, kind+" capture failed", err)
		return capture.Result{}, false
	}
	return res, true
}

// warn logs a degraded step and keeps it on the session for operators.
func (o *Orchestrator) warn(ctx context.Context, t *turn, msg string, err error) {
	t.logger.Warn(msg, "error", err)
	if werr := o.deps.Store.AddWarning(ctx, t.sess.ID, fmt.Sprintf("%s: %v", msg, err)); werr != nil {
		t.logger.Warn("session warning not stored", "error", werr)
	}
}

// notify sends e in the background; delivery failures are only logged.
func (o *Orchestrator) notify(e notify.Event) {
	if o.deps.Notifier == nil {
		return
	}
	o.wg.Go(func() {
		if err := o.deps.Notifier.Notify(context.Background(), e); err != nil {
			o.logger.Warn("notification failed", "type", e.Type, "session_id", e.SessionID, "error", err)
		}
	})
}

// retry runs fn up to StoreAttempts times while it fails with
// storage.ErrUnavailable.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= o.cfg.StoreAttempts; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		o.logger.Warn("store unavailable", "op", op, "attempt", attempt, "error", err)
		if attempt == o.cfg.StoreAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.StoreRetryDelay * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// window converts the last n stored messages to engine messages.
func window(msgs []storage.Message, n int) []engine.Message {
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]engine.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, engine.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func countRole(msgs []storage.Message, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

var phoneRe = regexp.MustCompile(`(?:\+972[- ]?|0)5\d[- ]?\d{3}[- ]?\d{4}`)

// findPhone returns the most recent phone number the customer wrote.
func findPhone(current string, history []storage.Message) string {
	if p := phoneRe.FindString(current); p != "" {
		return p
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != storage.RoleUser {
			continue
		}
		if p := phoneRe.FindString(history[i].Content); p != "" {
			return p
		}
	}
	return ""
}

func phoneField(phone string) map[string]string {
	if phone == "" {
		return nil
	}
	return map[string]string{"customer_phone": phone}
}

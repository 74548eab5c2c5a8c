package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayFeldboy1010/lustchatbot/internal/capture"
	"github.com/ShayFeldboy1010/lustchatbot/internal/engine"
	"github.com/ShayFeldboy1010/lustchatbot/internal/escalation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/generator"
	"github.com/ShayFeldboy1010/lustchatbot/internal/notify"
	"github.com/ShayFeldboy1010/lustchatbot/internal/policy"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

type mockRetriever struct {
	calls      atomic.Int32
	retrieveFn func(ctx context.Context, query string, k int) ([]retrieval.KnowledgeChunk, error)
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string, k int) ([]retrieval.KnowledgeChunk, error) {
	m.calls.Add(1)
	return m.retrieveFn(ctx, query, k)
}

type mockGenerator struct {
	calls      atomic.Int32
	generateFn func(ctx context.Context, history []engine.Message, chunks []retrieval.KnowledgeChunk) (generator.Reply, error)
}

func (m *mockGenerator) Generate(ctx context.Context, history []engine.Message, chunks []retrieval.KnowledgeChunk) (generator.Reply, error) {
	m.calls.Add(1)
	return m.generateFn(ctx, history, chunks)
}

func replyWith(text string) *mockGenerator {
	return &mockGenerator{generateFn: func(context.Context, []engine.Message, []retrieval.KnowledgeChunk) (generator.Reply, error) {
		return generator.Reply{Text: text}, nil
	}}
}

type mockCapturer struct {
	mu        sync.Mutex
	payloads  []capture.RecordPayload
	captureFn func(ctx context.Context, p capture.RecordPayload) (capture.Result, error)
}

func (m *mockCapturer) Capture(ctx context.Context, p capture.RecordPayload) (capture.Result, error) {
	m.mu.Lock()
	m.payloads = append(m.payloads, p)
	m.mu.Unlock()
	if m.captureFn == nil {
		return capture.Result{Status: capture.StatusCaptured, RecordID: "rec-1"}, nil
	}
	return m.captureFn(ctx, p)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockNotifier) Notify(_ context.Context, e notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockNotifier) snapshot() []notify.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Event(nil), m.events...)
}

type mockPolicy struct {
	decision policy.Decision
	err      error
}

func (m mockPolicy) Evaluate(context.Context, map[string]string) (policy.Decision, error) {
	return m.decision, m.err
}

// flakyStore fails GetSession with ErrUnavailable a set number of times.
type flakyStore struct {
	*storage.Store
	failures atomic.Int32
}

func (f *flakyStore) GetSession(ctx context.Context, id string) (storage.Session, error) {
	if f.failures.Add(-1) >= 0 {
		return storage.Session{}, fmt.Errorf("loading session: %w", storage.ErrUnavailable)
	}
	return f.Store.GetSession(ctx, id)
}

// brokenCommitStore never manages to commit a turn.
type brokenCommitStore struct {
	*storage.Store
}

func (brokenCommitStore) CommitTurn(context.Context, string, storage.Turn) (storage.Session, error) {
	return storage.Session{}, fmt.Errorf("committing turn: %w", storage.ErrUnavailable)
}

type harness struct {
	store     *storage.Store
	orch      *Orchestrator
	retriever *mockRetriever
	gen       *mockGenerator
	capturer  *mockCapturer
	notifier  *mockNotifier
}

func newHarness(t *testing.T, cfg Config, gen *mockGenerator) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store: st,
		retriever: &mockRetriever{retrieveFn: func(context.Context, string, int) ([]retrieval.KnowledgeChunk, error) {
			return []retrieval.KnowledgeChunk{{SourceID: "faq-1", Title: "מחירון", Text: "המחיר הוא 149 ₪", Score: 0.9}}, nil
		}},
		gen:      gen,
		capturer: &mockCapturer{},
		notifier: &mockNotifier{},
	}
	h.orch = New(Deps{
		Store:      st,
		Classifier: escalation.NewDetector(escalation.DefaultTerms, 0),
		Retriever:  h.retriever,
		Generator:  gen,
		Capturer:   h.capturer,
		Notifier:   h.notifier,
	}, cfg)
	return h
}

func TestHandleTurn_ProductQuestion(t *testing.T) {
	var gotHistory []engine.Message
	var gotChunks []retrieval.KnowledgeChunk
	gen := &mockGenerator{generateFn: func(_ context.Context, history []engine.Message, chunks []retrieval.KnowledgeChunk) (generator.Reply, error) {
		gotHistory, gotChunks = history, chunks
		return generator.Reply{Text: "המחיר הוא 149 ₪"}, nil
	}}
	h := newHarness(t, Config{}, gen)
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "  מה מחיר המוצר?  ")
	require.NoError(t, err)

	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "המחיר הוא 149 ₪", res.Reply)
	assert.False(t, res.Escalated)
	require.Len(t, gotHistory, 1)
	assert.Equal(t, engine.Message{Role: storage.RoleUser, Content: "מה מחיר המוצר?"}, gotHistory[0])
	require.Len(t, gotChunks, 1)
	assert.Equal(t, "faq-1", gotChunks[0].SourceID)

	history, err := h.orch.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, storage.RoleUser, history[0].Role)
	assert.Equal(t, "מה מחיר המוצר?", history[0].Content)
	assert.Equal(t, storage.RoleAssistant, history[1].Role)
	assert.Equal(t, "המחיר הוא 149 ₪", history[1].Content)
}

func TestHandleTurn_EscalationKeyword(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("unused"))
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "אני רוצה לדבר עם נציג, הטלפון שלי 054-1234567")
	require.NoError(t, err)
	h.orch.Wait()

	assert.True(t, res.Escalated)
	assert.Equal(t, "keyword:נציג", res.EscalationReason)
	assert.Equal(t, HandoffReply, res.Reply)
	assert.Zero(t, h.gen.calls.Load(), "generation must be skipped")
	assert.Zero(t, h.retriever.calls.Load(), "retrieval must be skipped")
	assert.Empty(t, h.capturer.payloads)

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Escalated)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, HandoffReply, sess.Messages[1].Content)

	events, err := h.orch.Escalations(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "keyword:נציג", events[0].Reason)
	assert.Equal(t, "054-1234567", events[0].CustomerPhone)

	sent := h.notifier.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.EventEscalation, sent[0].Type)
	assert.Equal(t, "s1", sent[0].SessionID)
}

func TestHandleTurn_ClearThenHistory(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("שלום!"))
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "היי")
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(ctx, "s1", "אני צריך נציג")
	require.NoError(t, err)

	require.NoError(t, h.orch.Clear(ctx, "s1"))

	history, err := h.orch.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	res, err := h.orch.HandleTurn(ctx, "s1", "היי שוב")
	require.NoError(t, err)
	assert.False(t, res.Escalated, "clear resets the escalation flag")
	assert.Equal(t, "שלום!", res.Reply)
}

func TestHandleTurn_EmptyInput(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("x"))
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "   \n\t")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "invalid input must not create a session")
}

func TestHandleTurn_MintsSessionID(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("x"))

	res, err := h.orch.HandleTurn(context.Background(), "", "שלום")
	require.NoError(t, err)
	assert.Len(t, res.SessionID, 36)

	sess, err := h.orch.Session(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}

func TestHandleTurn_RetrievalFailureStillReplies(t *testing.T) {
	var gotChunks []retrieval.KnowledgeChunk
	gen := &mockGenerator{generateFn: func(_ context.Context, _ []engine.Message, chunks []retrieval.KnowledgeChunk) (generator.Reply, error) {
		gotChunks = chunks
		return generator.Reply{Text: "תשובה כללית"}, nil
	}}
	h := newHarness(t, Config{}, gen)
	h.retriever.retrieveFn = func(context.Context, string, int) ([]retrieval.KnowledgeChunk, error) {
		return nil, fmt.Errorf("embedding query: %w", retrieval.ErrUnavailable)
	}

	res, err := h.orch.HandleTurn(context.Background(), "s1", "מה מחיר המוצר?")
	require.NoError(t, err)
	assert.Equal(t, "תשובה כללית", res.Reply)
	assert.Empty(t, gotChunks)
}

func TestHandleTurn_RetrievalUsesTopK(t *testing.T) {
	h := newHarness(t, Config{TopK: 3}, replyWith("x"))
	var gotK int
	h.retriever.retrieveFn = func(_ context.Context, _ string, k int) ([]retrieval.KnowledgeChunk, error) {
		gotK = k
		return nil, nil
	}

	_, err := h.orch.HandleTurn(context.Background(), "s1", "שאלה")
	require.NoError(t, err)
	assert.Equal(t, 3, gotK)
}

func TestHandleTurn_GeneratorFailureCommitsFallback(t *testing.T) {
	gen := &mockGenerator{generateFn: func(context.Context, []engine.Message, []retrieval.KnowledgeChunk) (generator.Reply, error) {
		return generator.Reply{}, generator.ErrTimeout
	}}
	h := newHarness(t, Config{}, gen)
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "מה מחיר המוצר?")
	require.NoError(t, err)
	assert.Equal(t, generator.FallbackReply, res.Reply)

	history, err := h.orch.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, generator.FallbackReply, history[1].Content)
}

func TestHandleTurn_HistoryWindow(t *testing.T) {
	var lens []int
	gen := &mockGenerator{generateFn: func(_ context.Context, history []engine.Message, _ []retrieval.KnowledgeChunk) (generator.Reply, error) {
		lens = append(lens, len(history))
		return generator.Reply{Text: "ok"}, nil
	}}
	h := newHarness(t, Config{HistoryWindow: 2}, gen)

	for _, msg := range []string{"אחת", "שתיים", "שלוש"} {
		_, err := h.orch.HandleTurn(context.Background(), "s1", msg)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 3, 3}, lens)
}

func TestHandleTurn_StorageRetry(t *testing.T) {
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	flaky := &flakyStore{Store: st}
	o := New(Deps{
		Store:      flaky,
		Classifier: escalation.NewDetector(nil, 0),
		Generator:  replyWith("ok"),
	}, Config{StoreAttempts: 3, StoreRetryDelay: time.Millisecond})

	flaky.failures.Store(2)
	res, err := o.HandleTurn(context.Background(), "s1", "שלום")
	require.NoError(t, err, "two transient failures are within the retry budget")
	assert.Equal(t, "ok", res.Reply)

	flaky.failures.Store(3)
	_, err = o.HandleTurn(context.Background(), "s1", "שלום שוב")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	sess, err := st.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2, "failed turn must not be committed")
	assert.Zero(t, o.locks.size(), "token released on error path")
}

func TestHandleTurn_EscalationCommitFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, Config{StoreRetryDelay: time.Millisecond}, replyWith("unused"))
	h.orch.deps.Store = brokenCommitStore{h.store}
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "יש לי תלונה, 052-1234567")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	h.orch.Wait()

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sess.Escalated)
	assert.Empty(t, sess.Messages)

	events, err := h.store.ListEscalations(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, h.notifier.snapshot())

	// Once the store recovers the retried message escalates normally.
	h.orch.deps.Store = h.store
	res, err := h.orch.HandleTurn(ctx, "s1", "יש לי תלונה, 052-1234567")
	require.NoError(t, err)
	assert.Equal(t, "keyword:תלונה", res.EscalationReason)

	events, err = h.store.ListEscalations(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "052-1234567", events[0].CustomerPhone)
}

func TestHandleTurn_ConcurrentTurnsNeverInterleave(t *testing.T) {
	gen := &mockGenerator{generateFn: func(_ context.Context, history []engine.Message, _ []retrieval.KnowledgeChunk) (generator.Reply, error) {
		time.Sleep(time.Millisecond)
		return generator.Reply{Text: "reply:" + history[len(history)-1].Content}, nil
	}}
	h := newHarness(t, Config{}, gen)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, err := h.orch.HandleTurn(ctx, "shared", fmt.Sprintf("שאלה %d", i))
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	history, err := h.orch.History(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 2*n)
	seen := map[string]bool{}
	for i := 0; i < len(history); i += 2 {
		user, assistant := history[i], history[i+1]
		require.Equal(t, storage.RoleUser, user.Role)
		require.Equal(t, storage.RoleAssistant, assistant.Role)
		assert.Equal(t, "reply:"+user.Content, assistant.Content)
		seen[user.Content] = true
	}
	assert.Len(t, seen, n)
	assert.Zero(t, h.orch.locks.size())
}

func TestHandleTurn_ParallelSessions(t *testing.T) {
	release := make(chan struct{})
	gen := &mockGenerator{generateFn: func(_ context.Context, history []engine.Message, _ []retrieval.KnowledgeChunk) (generator.Reply, error) {
		if history[len(history)-1].Content == "חוסם" {
			<-release
		}
		return generator.Reply{Text: "ok"}, nil
	}}
	h := newHarness(t, Config{}, gen)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.HandleTurn(ctx, "slow", "חוסם")
	}()

	require.Eventually(t, func() bool { return h.gen.calls.Load() == 1 }, time.Second, time.Millisecond)
	res, err := h.orch.HandleTurn(ctx, "fast", "שלום")
	require.NoError(t, err, "another session must not wait on a busy one")
	assert.Equal(t, "ok", res.Reply)

	close(release)
	<-done
}

func TestHandleTurn_CancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	gen := &mockGenerator{generateFn: func(context.Context, []engine.Message, []retrieval.KnowledgeChunk) (generator.Reply, error) {
		<-release
		return generator.Reply{Text: "ok"}, nil
	}}
	h := newHarness(t, Config{}, gen)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.HandleTurn(context.Background(), "s1", "ראשון")
	}()
	require.Eventually(t, func() bool { return h.gen.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.HandleTurn(ctx, "s1", "שני")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
	history, err := h.orch.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func orderReply() *mockGenerator {
	return &mockGenerator{generateFn: func(context.Context, []engine.Message, []retrieval.KnowledgeChunk) (generator.Reply, error) {
		return generator.Reply{
			Text: "ההזמנה התקבלה!",
			Action: &generator.Action{Type: generator.ActionCreateOrder, Fields: map[string]string{
				"customer_name":  "דנה",
				"customer_phone": "0541234567",
				"product_name":   "ג'ל",
				"full_address":   "הרצל 1, תל אביב",
				"payment_method": "ביט",
			}},
		}, nil
	}}
}

func TestHandleTurn_CapturesOrderOncePerSession(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "כן, תאשר את ההזמנה")
	require.NoError(t, err)
	assert.Equal(t, "ההזמנה התקבלה!", res.Reply)

	require.Len(t, h.capturer.payloads, 1)
	p := h.capturer.payloads[0]
	assert.Equal(t, capture.KindOrder, p.Kind)
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "דנה", p.Fields["customer_name"])

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.OrderCaptured)
	assert.Equal(t, capture.IdempotencyKey("s1", sess.Generation, 0), p.IdempotencyKey)

	_, err = h.orch.HandleTurn(ctx, "s1", "שוב תאשר")
	require.NoError(t, err)
	assert.Len(t, h.capturer.payloads, 1, "second order in the same session is skipped")
}

func TestHandleTurn_OrderWithRealCaptureTool(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	h.orch.deps.Capturer = capture.NewTool(capture.NewSQLiteSink(h.store), capture.Config{BaseDelay: time.Millisecond})
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
	require.NoError(t, err)

	records, err := h.store.ListRecords(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, capture.KindOrder, records[0].Kind)
	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, capture.IdempotencyKey("s1", sess.Generation, 0), records[0].IdempotencyKey)
}

func TestHandleTurn_OrderAfterClearIsCaptured(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	h.orch.deps.Capturer = capture.NewTool(capture.NewSQLiteSink(h.store), capture.Config{BaseDelay: time.Millisecond})
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
	require.NoError(t, err)
	require.NoError(t, h.orch.Clear(ctx, "s1"))

	_, err = h.orch.HandleTurn(ctx, "s1", "הזמנה חדשה, מאשר")
	require.NoError(t, err)

	records, err := h.store.ListRecords(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "the order after clear is a new record")
	assert.NotEqual(t, records[0].IdempotencyKey, records[1].IdempotencyKey)

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.OrderCaptured)
}

func TestHandleTurn_OrderAfterClearAllIsCaptured(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	h.orch.deps.Capturer = capture.NewTool(capture.NewSQLiteSink(h.store), capture.Config{BaseDelay: time.Millisecond})
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
	require.NoError(t, err)
	n, err := h.orch.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.orch.HandleTurn(ctx, "s1", "מאשר שוב")
	require.NoError(t, err)

	records, err := h.store.ListRecords(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestHandleTurn_DuplicateOrderLeavesFlagUnset(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	h.capturer.captureFn = func(context.Context, capture.RecordPayload) (capture.Result, error) {
		return capture.Result{Status: capture.StatusDuplicateIgnored}, nil
	}
	h.orch.deps.Policy = mockPolicy{decision: policy.Decision{Outcome: policy.NotifySupport}}
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
	require.NoError(t, err)
	h.orch.Wait()

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sess.OrderCaptured)
	assert.Empty(t, h.notifier.snapshot())
}

func TestHandleTurn_OrderPolicy(t *testing.T) {
	t.Run("notify support", func(t *testing.T) {
		h := newHarness(t, Config{}, orderReply())
		h.orch.deps.Policy = mockPolicy{decision: policy.Decision{Outcome: policy.NotifySupport, Reason: "pay_on_delivery"}}

		_, err := h.orch.HandleTurn(context.Background(), "s1", "מאשר")
		require.NoError(t, err)
		h.orch.Wait()

		assert.Len(t, h.capturer.payloads, 1)
		sent := h.notifier.snapshot()
		require.Len(t, sent, 1)
		assert.Equal(t, notify.EventOrder, sent[0].Type)
		assert.Equal(t, "ביט", sent[0].Fields["payment_method"])
	})

	t.Run("reject", func(t *testing.T) {
		h := newHarness(t, Config{}, orderReply())
		h.orch.deps.Policy = mockPolicy{decision: policy.Decision{Outcome: policy.Reject, Reason: "missing_contact"}}
		ctx := context.Background()

		res, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
		require.NoError(t, err)
		assert.Equal(t, "ההזמנה התקבלה!", res.Reply, "reply is unaffected by policy")
		assert.Empty(t, h.capturer.payloads)

		sess, err := h.store.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, sess.OrderCaptured)
		require.Len(t, sess.Warnings, 1)
		assert.Contains(t, sess.Warnings[0], "missing_contact")
	})
}

func TestHandleTurn_CaptureFailureAddsWarning(t *testing.T) {
	h := newHarness(t, Config{}, orderReply())
	h.capturer.captureFn = func(context.Context, capture.RecordPayload) (capture.Result, error) {
		return capture.Result{}, fmt.Errorf("%w: sink down", capture.ErrCaptureFailed)
	}
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "מאשר")
	require.NoError(t, err)
	assert.Equal(t, "ההזמנה התקבלה!", res.Reply)

	sess, err := h.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, sess.OrderCaptured)
	require.Len(t, sess.Warnings, 1)
	assert.True(t, strings.HasPrefix(sess.Warnings[0], "order capture failed"))
	assert.Len(t, sess.Messages, 2)
}

func TestHandleTurn_LeadAndUnknownActions(t *testing.T) {
	action := &generator.Action{Type: "create_lead", Fields: map[string]string{"customer_phone": "0501234567"}}
	gen := &mockGenerator{generateFn: func(context.Context, []engine.Message, []retrieval.KnowledgeChunk) (generator.Reply, error) {
		return generator.Reply{Text: "נחזור אליך", Action: action}, nil
	}}
	h := newHarness(t, Config{}, gen)

	_, err := h.orch.HandleTurn(context.Background(), "s1", "תחזרו אליי")
	require.NoError(t, err)
	require.Len(t, h.capturer.payloads, 1)
	assert.Equal(t, capture.KindLead, h.capturer.payloads[0].Kind)

	action = &generator.Action{Type: "send_coupon"}
	_, err = h.orch.HandleTurn(context.Background(), "s1", "קופון?")
	require.NoError(t, err)
	assert.Len(t, h.capturer.payloads, 1)
}

func TestHandleTurn_EscalationPolicy(t *testing.T) {
	tests := []struct {
		policy        escalation.Policy
		wantReply     string
		wantGenerated int32
	}{
		{escalation.PolicyHandoff, HandoffReply, 0},
		{escalation.PolicyAssist, "בשמחה", 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness(t, Config{EscalationPolicy: tt.policy}, replyWith("בשמחה"))
			ctx := context.Background()

			_, err := h.orch.HandleTurn(ctx, "s1", "תלונה על משלוח")
			require.NoError(t, err)
			require.Zero(t, h.gen.calls.Load())

			res, err := h.orch.HandleTurn(ctx, "s1", "תודה רבה")
			require.NoError(t, err)
			assert.True(t, res.Escalated, "escalation is sticky")
			assert.Equal(t, escalation.ReasonAlreadyEscalated, res.EscalationReason)
			assert.Equal(t, tt.wantReply, res.Reply)
			assert.Equal(t, tt.wantGenerated, h.gen.calls.Load())

			events, err := h.orch.Escalations(ctx, "s1", 10)
			require.NoError(t, err)
			assert.Len(t, events, 1, "already-escalated turns record no new event")
		})
	}
}

func TestHandleTurn_MessageLimit(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"))
	h.orch.deps.Classifier = escalation.NewDetector(escalation.DefaultTerms, 2)
	ctx := context.Background()

	res, err := h.orch.HandleTurn(ctx, "s1", "שאלה ראשונה")
	require.NoError(t, err)
	assert.False(t, res.Escalated)

	res, err = h.orch.HandleTurn(ctx, "s1", "שאלה שנייה")
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, escalation.ReasonMessageLimit, res.EscalationReason)
	assert.Equal(t, LimitReply, res.Reply)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"))
	ctx := context.Background()

	_, err := h.orch.HandleTurn(ctx, "a", "שלום")
	require.NoError(t, err)
	_, err = h.orch.HandleTurn(ctx, "b", "נציג בבקשה")
	require.NoError(t, err)

	st, err := h.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.ActiveSessions)
	assert.Equal(t, 4, st.TotalMessages)
	assert.Equal(t, 1, st.TotalEscalations)
	assert.InDelta(t, 0.5, st.EscalationRate, 1e-9)

	active, err := h.orch.ActiveSessions(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	n, err := h.orch.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClear_UnknownSessionIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, replyWith("ok"))
	assert.NoError(t, h.orch.Clear(context.Background(), "missing"))
}

func TestFindPhone(t *testing.T) {
	history := []storage.Message{
		{Role: storage.RoleUser, Content: "המספר שלי +972 52-123-4567"},
		{Role: storage.RoleAssistant, Content: "תודה, 050-0000000"},
	}
	assert.Equal(t, "0541234567", findPhone("נציג 0541234567", history))
	assert.Equal(t, "", findPhone("נציג", nil))
	assert.NotEmpty(t, findPhone("נציג", history))
}

var _ SessionStore = (*storage.Store)(nil)

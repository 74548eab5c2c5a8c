// Package capture appends structured outcomes (orders and leads) to a record
// sink exactly once per idempotency key.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCaptureFailed wraps every failure reported by Capture.
var ErrCaptureFailed = errors.New("capture failed")

// Result statuses.
const (
	StatusCaptured         = "captured"
	StatusDuplicateIgnored = "duplicate_ignored"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultDedupeTTL = 24 * time.Hour
)

// Result describes a completed capture.
type Result struct {
	Status   string
	RecordID string
}

// Config tunes retries and the local de-duplication window.
type Config struct {
	Attempts  int
	BaseDelay time.Duration
	DedupeTTL time.Duration
}

type seenEntry struct {
	recordID string
	expires  time.Time
	pending  bool
}

// Tool wraps a Sink with retries and a TTL de-duplication set. The set has
// its own lock and is independent of session locks.
type Tool struct {
	sink      Sink
	attempts  int
	baseDelay time.Duration
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	seen map[string]seenEntry
}

// NewTool creates a Tool over sink. Zero config values use the defaults.
func NewTool(sink Sink, cfg Config) *Tool {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &Tool{
		sink:      sink,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		ttl:       cfg.DedupeTTL,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepCtx,
		seen:      make(map[string]seenEntry),
	}
}

// Capture appends p to the sink. A key already captured (or in flight) within
// the TTL, or one the sink reports as duplicate, yields StatusDuplicateIgnored
// with a nil error.
func (t *Tool) Capture(ctx context.Context, p RecordPayload) (Result, error) {
	if p.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: missing idempotency key", ErrCaptureFailed)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.now()
	}

	if dup, id := t.reserve(p.IdempotencyKey); dup {
		t.logger.Info("capture duplicate ignored", "session_id", p.SessionID, "kind", p.Kind, "source", "local")
		return Result{Status: StatusDuplicateIgnored, RecordID: id}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		id, err := t.sink.Append(ctx, p)
		switch {
		case err == nil:
			t.commit(p.IdempotencyKey, id)
			t.logger.Info("record captured", "session_id", p.SessionID, "kind", p.Kind, "record_id", id, "attempt", attempt)
			return Result{Status: StatusCaptured, RecordID: id}, nil
		case errors.Is(err, ErrDuplicate):
			t.commit(p.IdempotencyKey, "")
			t.logger.Info("capture duplicate ignored", "session_id", p.SessionID, "kind", p.Kind, "source", "sink")
			return Result{Status: StatusDuplicateIgnored}, nil
		}

		lastErr = err
		if isPermanent(err) || attempt == t.attempts {
			break
		}
		delay := t.baseDelay << (attempt - 1)
		t.logger.Warn("capture attempt failed, retrying", "session_id", p.SessionID, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if serr := t.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	t.release(p.IdempotencyKey)
	return Result{}, fmt.Errorf("%w: %w", ErrCaptureFailed, lastErr)
}

// reserve marks key as in flight unless it is already known.
func (t *Tool) reserve(key string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, e := range t.seen {
		if !e.pending && now.After(e.expires) {
			delete(t.seen, k)
		}
	}
	if e, ok := t.seen[key]; ok {
		return true, e.recordID
	}
	t.seen[key] = seenEntry{pending: true}
	return false, ""
}

func (t *Tool) commit(key, recordID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[key] = seenEntry{recordID: recordID, expires: t.now().Add(t.ttl)}
}

func (t *Tool) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, key)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

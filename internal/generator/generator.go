// Package generator turns conversation history and grounding passages into
// an assistant reply through a primary and an optional fallback engine.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ShayFeldboy1010/lustchatbot/internal/composer"
	"github.com/ShayFeldboy1010/lustchatbot/internal/engine"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
)

var (
	// ErrTimeout means every configured backend ran out of time.
	ErrTimeout = errors.New("generation timed out")
	// ErrFailed means a backend errored or returned an unusable reply.
	ErrFailed = errors.New("generation failed")
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 30 * time.Second

// FallbackReply is shown to the customer when generation fails.
const FallbackReply = "מצטער, יש תקלה זמנית 🙏 אנא נסה שוב בעוד כמה רגעים או גלוש באתר שלנו"

// Backend is one engine plus the model it should run.
type Backend struct {
	Chatter engine.Chatter
	Model   string
}

// Config holds generation parameters.
type Config struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Reply is a cleaned assistant reply plus an optional structured action.
type Reply struct {
	Text   string
	Action *Action
	Model  string
}

// Generator is stateless; it is safe for concurrent use.
type Generator struct {
	backends []Backend
	composer *composer.Composer
	opts     engine.Options
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Generator. fallback may be nil.
func New(primary Backend, fallback *Backend, comp *composer.Composer, cfg Config) *Generator {
	backends := []Backend{primary}
	if fallback != nil && fallback.Chatter != nil {
		backends = append(backends, *fallback)
	}
	if comp == nil {
		comp = composer.New("", 0)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{
		backends: backends,
		composer: comp,
		opts:     engine.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		timeout:  timeout,
		logger:   slog.Default(),
	}
}

// Generate composes the prompt and tries each backend in order. The returned
// error wraps ErrTimeout when the last attempt timed out and ErrFailed
// otherwise.
func (g *Generator) Generate(ctx context.Context, history []engine.Message, chunks []retrieval.KnowledgeChunk) (Reply, error) {
	msgs := g.composer.Compose(history, chunks)

	var lastErr error
	for i, b := range g.backends {
		if err := ctx.Err(); err != nil {
			return Reply{}, classify(err)
		}
		reply, err := g.attempt(ctx, b, msgs)
		if err == nil {
			if i > 0 {
				g.logger.Info("fallback model succeeded", "model", b.Model)
			}
			return reply, nil
		}
		lastErr = err
		g.logger.Warn("generation attempt failed", "model", b.Model, "attempt", i+1, "error", err)
	}
	return Reply{}, lastErr
}

func (g *Generator) attempt(ctx context.Context, b Backend, msgs []engine.Message) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := b.Chatter.Chat(ctx, b.Model, msgs, g.opts)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Reply{}, classify(err)
	}
	g.logger.Debug("generation complete", "model", b.Model, "duration_ms", time.Since(start).Milliseconds())

	text, action, perr := ExtractAction(raw)
	if perr != nil {
		g.logger.Warn("discarding malformed action", "model", b.Model, "error", perr)
	}
	text = CleanMarkdown(text)
	if text == "" {
		return Reply{}, fmt.Errorf("%w: empty reply from %s", ErrFailed, b.Model)
	}
	return Reply{Text: text, Action: action, Model: b.Model}, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

// ReplyOrFallback returns the reply text, or FallbackReply when err is set.
func ReplyOrFallback(r Reply, err error) string {
	if err != nil || strings.TrimSpace(r.Text) == "" {
		return FallbackReply
	}
	return r.Text
}

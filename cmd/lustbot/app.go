package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ShayFeldboy1010/lustchatbot/internal/capture"
	"github.com/ShayFeldboy1010/lustchatbot/internal/composer"
	"github.com/ShayFeldboy1010/lustchatbot/internal/config"
	"github.com/ShayFeldboy1010/lustchatbot/internal/conversation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/engine"
	"github.com/ShayFeldboy1010/lustchatbot/internal/escalation"
	"github.com/ShayFeldboy1010/lustchatbot/internal/generator"
	"github.com/ShayFeldboy1010/lustchatbot/internal/ingest"
	"github.com/ShayFeldboy1010/lustchatbot/internal/notify"
	"github.com/ShayFeldboy1010/lustchatbot/internal/policy"
	"github.com/ShayFeldboy1010/lustchatbot/internal/retrieval"
	"github.com/ShayFeldboy1010/lustchatbot/internal/storage"
)

// app is the fully wired agent shared by the serve and mcp commands.
type app struct {
	cfg       config.Config
	store     *storage.Store
	orch      *conversation.Orchestrator
	retriever *retrieval.Retriever
	knowledge *ingest.Submitter
	worker    *ingest.Worker
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	providers := engine.ProviderConfig{
		OllamaBaseURL:   cfg.Ollama.BaseURL,
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.OpenAI.BaseURL,
		AnthropicAPIKey: cfg.Anthropic.APIKey,
	}

	chatEngine, err := engine.New(cfg.LLM.Provider, providers)
	if err != nil {
		return nil, fmt.Errorf("chat engine: %w", err)
	}
	embedEngine := chatEngine
	if cfg.LLM.EmbedProvider != cfg.LLM.Provider {
		if embedEngine, err = engine.New(cfg.LLM.EmbedProvider, providers); err != nil {
			return nil, fmt.Errorf("embed engine: %w", err)
		}
	}
	if err := engine.EnsureReady(ctx, chatEngine, []string{cfg.LLM.ChatModel}, os.Stderr); err != nil {
		return nil, err
	}
	if embedEngine != chatEngine {
		if err := engine.EnsureReady(ctx, embedEngine, []string{cfg.LLM.EmbedModel}, os.Stderr); err != nil {
			return nil, err
		}
	}

	var fallback *generator.Backend
	if cfg.LLM.FallbackProvider != "" {
		fb, err := engine.New(cfg.LLM.FallbackProvider, providers)
		if err != nil {
			return nil, fmt.Errorf("fallback engine: %w", err)
		}
		fallback = &generator.Backend{Chatter: fb, Model: cfg.LLM.FallbackModel}
		slog.Info("fallback generation enabled", "provider", fb.Name(), "model", cfg.LLM.FallbackModel)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	embedder := retrieval.NewEmbedder(embedEngine, cfg.LLM.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectors, cfg.Retrieval.MinScore)

	gen := generator.New(
		generator.Backend{Chatter: chatEngine, Model: cfg.LLM.ChatModel},
		fallback,
		composer.New("", 0),
		generator.Config{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.Generation.Timeout,
		},
	)

	terms := cfg.Escalation.Terms
	if len(terms) == 0 {
		terms = escalation.DefaultTerms
	}
	escPolicy, ok := escalation.ParsePolicy(cfg.Escalation.Policy)
	if !ok {
		store.Close()
		return nil, fmt.Errorf("unknown escalation policy %q", cfg.Escalation.Policy)
	}

	var sink capture.Sink = capture.NewSQLiteSink(store)
	if cfg.Capture.Sink == "webhook" {
		sink = capture.NewWebhookSink(cfg.Capture.WebhookURL, cfg.Capture.WebhookSecret, cfg.Capture.Timeout)
	}
	tool := capture.NewTool(sink, capture.Config{
		Attempts:  cfg.Capture.Attempts,
		DedupeTTL: cfg.Capture.DedupeTTL,
	})

	orderPolicy, err := policy.LoadEngine(ctx, cfg.Capture.PolicyFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	deps := conversation.Deps{
		Store:      store,
		Classifier: escalation.NewDetector(terms, cfg.Escalation.MaxUserMessages),
		Retriever:  retriever,
		Generator:  gen,
		Capturer:   tool,
		Policy:     orderPolicy,
	}
	if hook := notify.NewWebhook(cfg.Escalation.WebhookURL); hook.Enabled() {
		deps.Notifier = hook
	}

	orch := conversation.New(deps, conversation.Config{
		TopK:             cfg.Retrieval.TopK,
		HistoryWindow:    cfg.Conversation.HistoryWindow,
		StoreAttempts:    cfg.Conversation.StoreAttempts,
		RetrievalTimeout: cfg.Retrieval.Timeout,
		CaptureTimeout:   cfg.Capture.Timeout,
		SessionTTL:       cfg.Conversation.SessionTTL,
		EscalationPolicy: escPolicy,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		orch:      orch,
		retriever: retriever,
		knowledge: ingest.NewSubmitter(store, vectors, nil),
		worker:    ingest.NewWorker(store, embedder, vectors, 500*time.Millisecond),
	}, nil
}

// Close waits for background notifications and closes storage.
func (a *app) Close() error {
	a.orch.Wait()
	return a.store.Close()
}

package engine

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-call sampling parameters. Zero values leave the provider
// default in place.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Chatter produces an assistant reply for an ordered message list.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error)
}

// Embedder returns the embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Engine abstracts a generation backend (OpenAI-compatible, Anthropic, or a
// local Ollama server). Consumers such as the generator and the knowledge
// embedder use this interface instead of depending on a concrete client.
type Engine interface {
	Chatter
	Embedder

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// Name identifies the provider in logs.
	Name() string
}

// ModelManager is implemented by engines that host models locally and can
// download missing ones.
type ModelManager interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEngine talks to the OpenAI API or any compatible endpoint such as
// OpenRouter when a base URL is set.
type OpenAIEngine struct {
	client  openai.Client
	hasKey  bool
	baseURL string
}

// NewOpenAIEngine creates an OpenAIEngine. An empty baseURL uses the SDK default.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{
		client:  openai.NewClient(opts...),
		hasKey:  apiKey != "",
		baseURL: baseURL,
	}
}

func (e *OpenAIEngine) Name() string { return ProviderOpenAI }

func (e *OpenAIEngine) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts.Temperature != 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embed: empty data")
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

// IsRunning lists models as a cheap reachability probe. Without a key only a
// custom base URL (a local compatible server) can answer.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	if !e.hasKey && e.baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Models.List(ctx)
	return err == nil
}

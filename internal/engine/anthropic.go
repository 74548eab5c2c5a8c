package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicEngine generates replies through the Anthropic Messages API. It has
// no embedding endpoint.
type AnthropicEngine struct {
	client anthropic.Client
	hasKey bool
}

// NewAnthropicEngine creates an AnthropicEngine. baseURL is only set in tests.
func NewAnthropicEngine(apiKey, baseURL string) *AnthropicEngine {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicEngine{client: anthropic.NewClient(opts...), hasKey: apiKey != ""}
}

func (e *AnthropicEngine) Name() string { return ProviderAnthropic }

func (e *AnthropicEngine) Chat(ctx context.Context, model string, messages []Message, opts Options) (string, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}
	if opts.Temperature != 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	// System messages travel in their own field; the rest must alternate.
	var system []string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if len(params.Messages) == 0 {
		return "", errors.New("anthropic chat: no messages")
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

func (e *AnthropicEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("anthropic: embeddings are not supported")
}

func (e *AnthropicEngine) IsRunning(context.Context) bool {
	return e.hasKey
}

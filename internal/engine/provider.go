package engine

import "fmt"

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ProviderConfig carries the endpoints and credentials of every provider.
type ProviderConfig struct {
	OllamaBaseURL   string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
}

// New returns the Engine for the named provider.
func New(provider string, cfg ProviderConfig) (Engine, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case ProviderAnthropic:
		return NewAnthropicEngine(cfg.AnthropicAPIKey, ""), nil
	case ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want %s, %s or %s)", provider, ProviderOpenAI, ProviderAnthropic, ProviderOllama)
	}
}

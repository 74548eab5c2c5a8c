package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	LLM          LLMConfig
	OpenAI       OpenAIConfig
	Anthropic    AnthropicConfig
	Ollama       OllamaConfig
	Storage      StorageConfig
	Log          LogConfig
	Retrieval    RetrievalConfig
	Generation   GenerationConfig
	Conversation ConversationConfig
	Escalation   EscalationConfig
	Capture      CaptureConfig
	Admin        AdminConfig
}

type ServerConfig struct {
	Port           int
	MCPEnabled     bool
	AllowedOrigins []string
}

// LLMConfig selects providers for chat, the optional fallback and embeddings.
type LLMConfig struct {
	Provider         string
	ChatModel        string
	FallbackProvider string
	FallbackModel    string
	EmbedProvider    string
	EmbedModel       string
	Temperature      float64
	MaxTokens        int
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey string
}

type OllamaConfig struct {
	BaseURL string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RetrievalConfig struct {
	TopK     int
	MinScore float64
	Timeout  time.Duration
}

type GenerationConfig struct {
	Timeout time.Duration
}

type ConversationConfig struct {
	HistoryWindow int
	StoreAttempts int
	SessionTTL    time.Duration
}

type EscalationConfig struct {
	Terms           []string
	Policy          string
	MaxUserMessages int
	WebhookURL      string
}

type CaptureConfig struct {
	Sink          string
	WebhookURL    string
	WebhookSecret string
	Attempts      int
	DedupeTTL     time.Duration
	Timeout       time.Duration
	PolicyFile    string
}

type AdminConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		LLM: LLMConfig{
			Provider:      "openai",
			ChatModel:     "gpt-4o-mini",
			FallbackModel: "claude-3-5-haiku-latest",
			EmbedProvider: "openai",
			EmbedModel:    "text-embedding-3-small",
			Temperature:   0.1,
			MaxTokens:     1024,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			MinScore: 0.3,
			Timeout:  10 * time.Second,
		},
		Generation: GenerationConfig{
			Timeout: 30 * time.Second,
		},
		Conversation: ConversationConfig{
			HistoryWindow: 20,
			StoreAttempts: 3,
			SessionTTL:    24 * time.Hour,
		},
		Escalation: EscalationConfig{
			Policy:          "handoff",
			MaxUserMessages: 20,
		},
		Capture: CaptureConfig{
			Sink:      "sqlite",
			Attempts:  3,
			DedupeTTL: 24 * time.Hour,
			Timeout:   15 * time.Second,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/lustbot/config.json, then applies LUSTBOT_* environment
// variables on top. Secrets (API keys, the admin token, webhook secrets) are
// only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

// LoadUnchecked is Load without validation, for client commands that only
// need the server address and admin token.
func LoadUnchecked() (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, newPlatformBackend()); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing credentials for the selected providers and
// unknown enum values.
func (c Config) Validate() error {
	var errs []error
	for _, p := range []struct{ role, name string }{
		{"llm.provider", c.LLM.Provider},
		{"llm.fallback_provider", c.LLM.FallbackProvider},
		{"llm.embed_provider", c.LLM.EmbedProvider},
	} {
		if err := c.checkProvider(p.role, p.name); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LLM.EmbedProvider == "anthropic" {
		errs = append(errs, errors.New("llm.embed_provider: anthropic has no embeddings API; use openai or ollama"))
	}

	switch strings.ToLower(c.Escalation.Policy) {
	case "", "handoff", "assist":
	default:
		errs = append(errs, fmt.Errorf("escalation.policy: unknown value %q (want handoff or assist)", c.Escalation.Policy))
	}

	switch c.Capture.Sink {
	case "sqlite":
	case "webhook":
		if c.Capture.WebhookURL == "" {
			errs = append(errs, errors.New("missing required config: capture.webhook_url must be set when capture.sink is webhook"))
		}
	default:
		errs = append(errs, fmt.Errorf("capture.sink: unknown value %q (want sqlite or webhook)", c.Capture.Sink))
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 20 {
		errs = append(errs, fmt.Errorf("retrieval.top_k: %d is outside 1..20", c.Retrieval.TopK))
	}
	return errors.Join(errs...)
}

func (c Config) checkProvider(role, name string) error {
	switch name {
	case "":
		if role == "llm.fallback_provider" {
			return nil
		}
		return fmt.Errorf("%s must be set", role)
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key for %s. Set it via environment variable LUSTBOT_OPENAI_API_KEY", role)
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("missing required config: Anthropic API key for %s. Set it via environment variable LUSTBOT_ANTHROPIC_API_KEY", role)
		}
	case "ollama":
	default:
		return fmt.Errorf("%s: unknown provider %q (want openai, anthropic or ollama)", role, name)
	}
	return nil
}

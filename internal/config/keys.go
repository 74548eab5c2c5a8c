package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList // comma-separated
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LUSTBOT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "LUSTBOT_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "server.allowed_origins", typ: kList, env: "LUSTBOT_SERVER_ALLOWED_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return cfg.Server.AllowedOrigins },
	},
	{
		key: "llm.provider", typ: kString, env: "LUSTBOT_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.chat_model", typ: kString, env: "LUSTBOT_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.fallback_provider", typ: kString, env: "LUSTBOT_LLM_FALLBACK_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.FallbackProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.FallbackProvider },
	},
	{
		key: "llm.fallback_model", typ: kString, env: "LUSTBOT_LLM_FALLBACK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.FallbackModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.FallbackModel },
	},
	{
		key: "llm.embed_provider", typ: kString, env: "LUSTBOT_LLM_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedProvider },
	},
	{
		key: "llm.embed_model", typ: kString, env: "LUSTBOT_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "LUSTBOT_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "LUSTBOT_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "openai.api_key", typ: kString, env: "LUSTBOT_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "LUSTBOT_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "anthropic.api_key", typ: kString, env: "LUSTBOT_ANTHROPIC_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LUSTBOT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LUSTBOT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LUSTBOT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "LUSTBOT_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_score", typ: kFloat, env: "LUSTBOT_RETRIEVAL_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinScore },
	},
	{
		key: "retrieval.timeout", typ: kDuration, env: "LUSTBOT_RETRIEVAL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.Timeout },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "LUSTBOT_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "conversation.history_window", typ: kInt, env: "LUSTBOT_CONVERSATION_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Conversation.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.HistoryWindow },
	},
	{
		key: "conversation.store_attempts", typ: kInt, env: "LUSTBOT_CONVERSATION_STORE_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Conversation.StoreAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Conversation.StoreAttempts },
	},
	{
		key: "conversation.session_ttl", typ: kDuration, env: "LUSTBOT_CONVERSATION_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Conversation.SessionTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Conversation.SessionTTL },
	},
	{
		key: "escalation.terms", typ: kList, env: "LUSTBOT_ESCALATION_TERMS",
		apply:   func(cfg *Config, v any) { cfg.Escalation.Terms = v.([]string) },
		extract: func(cfg Config) any { return cfg.Escalation.Terms },
	},
	{
		key: "escalation.policy", typ: kString, env: "LUSTBOT_ESCALATION_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Escalation.Policy = v.(string) },
		extract: func(cfg Config) any { return cfg.Escalation.Policy },
	},
	{
		key: "escalation.max_user_messages", typ: kInt, env: "LUSTBOT_ESCALATION_MAX_USER_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Escalation.MaxUserMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Escalation.MaxUserMessages },
	},
	{
		key: "escalation.webhook_url", typ: kString, env: "LUSTBOT_ESCALATION_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Escalation.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Escalation.WebhookURL },
	},
	{
		key: "capture.sink", typ: kString, env: "LUSTBOT_CAPTURE_SINK",
		apply:   func(cfg *Config, v any) { cfg.Capture.Sink = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.Sink },
	},
	{
		key: "capture.webhook_url", typ: kString, env: "LUSTBOT_CAPTURE_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Capture.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.WebhookURL },
	},
	{
		key: "capture.webhook_secret", typ: kString, env: "LUSTBOT_CAPTURE_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Capture.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.WebhookSecret },
	},
	{
		key: "capture.attempts", typ: kInt, env: "LUSTBOT_CAPTURE_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Capture.Attempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Capture.Attempts },
	},
	{
		key: "capture.dedupe_ttl", typ: kDuration, env: "LUSTBOT_CAPTURE_DEDUPE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Capture.DedupeTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.DedupeTTL },
	},
	{
		key: "capture.timeout", typ: kDuration, env: "LUSTBOT_CAPTURE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Capture.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Capture.Timeout },
	},
	{
		key: "capture.policy_file", typ: kString, env: "LUSTBOT_CAPTURE_POLICY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Capture.PolicyFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Capture.PolicyFile },
	},
	{
		key: "admin.token", typ: kString, env: "LUSTBOT_ADMIN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Admin.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Admin.Token },
	},
}

// parseValue converts a raw string into the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

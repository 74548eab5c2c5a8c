package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMapBackend() *mapBackend {
	return &mapBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *mapBackend) SetString(key, val string) error  { m.strs[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *mapBackend) Delete(key string) error {
	delete(m.strs, key)
	delete(m.ints, key)
	return nil
}

// clearEnv blanks every LUSTBOT_* variable so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUSTBOT_OPENAI_API_KEY", "sk-test")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.EmbedProvider != "openai" {
		t.Errorf("LLM providers = %q/%q", cfg.LLM.Provider, cfg.LLM.EmbedProvider)
	}
	if cfg.LLM.Temperature != 0.1 {
		t.Errorf("LLM.Temperature = %v, want 0.1", cfg.LLM.Temperature)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.Timeout != 10*time.Second {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Conversation.HistoryWindow != 20 || cfg.Conversation.SessionTTL != 24*time.Hour {
		t.Errorf("Conversation = %+v", cfg.Conversation)
	}
	if cfg.Escalation.Policy != "handoff" || cfg.Escalation.MaxUserMessages != 20 {
		t.Errorf("Escalation = %+v", cfg.Escalation)
	}
	if cfg.Capture.Sink != "sqlite" || cfg.Capture.Attempts != 3 {
		t.Errorf("Capture = %+v", cfg.Capture)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.ints["server.port"] = 9000
	b.strs["llm.chat_model"] = "file-model"

	t.Setenv("LUSTBOT_OPENAI_API_KEY", "sk-test")
	t.Setenv("LUSTBOT_SERVER_PORT", "9100")
	t.Setenv("LUSTBOT_SERVER_ALLOWED_ORIGINS", "https://lust.co.il, https://www.lust.co.il")
	t.Setenv("LUSTBOT_ESCALATION_TERMS", "נציג,מנהל")
	t.Setenv("LUSTBOT_RETRIEVAL_TIMEOUT", "3s")
	t.Setenv("LUSTBOT_SERVER_MCP_ENABLED", "true")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.LLM.ChatModel != "file-model" {
		t.Errorf("LLM.ChatModel = %q, want file-model", cfg.LLM.ChatModel)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://www.lust.co.il" {
		t.Errorf("AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if len(cfg.Escalation.Terms) != 2 || cfg.Escalation.Terms[0] != "נציג" {
		t.Errorf("Escalation.Terms = %v", cfg.Escalation.Terms)
	}
	if cfg.Retrieval.Timeout != 3*time.Second {
		t.Errorf("Retrieval.Timeout = %v", cfg.Retrieval.Timeout)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = false, want true")
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("LUSTBOT_OPENAI_API_KEY", "sk-test")
	t.Setenv("LUSTBOT_CONVERSATION_HISTORY_WINDOW", "lots")
	t.Setenv("LUSTBOT_CAPTURE_DEDUPE_TTL", "a day")

	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Conversation.HistoryWindow != 20 {
		t.Errorf("HistoryWindow = %d, want default 20", cfg.Conversation.HistoryWindow)
	}
	if cfg.Capture.DedupeTTL != 24*time.Hour {
		t.Errorf("DedupeTTL = %v, want default", cfg.Capture.DedupeTTL)
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	b := newMapBackend()
	b.strs["openai.api_key"] = "from-file"
	b.strs["admin.token"] = "from-file"

	_, err := loadWith(b)
	if err == nil {
		t.Fatal("expected error: api key in file must not count")
	}
	if !strings.Contains(err.Error(), "LUSTBOT_OPENAI_API_KEY") {
		t.Errorf("error = %q, want env var hint", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"ollama needs no key", func(c *Config) {
			c.OpenAI.APIKey = ""
			c.LLM.Provider, c.LLM.EmbedProvider = "ollama", "ollama"
		}, ""},
		{"fallback key", func(c *Config) { c.LLM.FallbackProvider = "anthropic" }, "LUSTBOT_ANTHROPIC_API_KEY"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }, "unknown provider"},
		{"anthropic embeddings", func(c *Config) {
			c.Anthropic.APIKey = "k"
			c.LLM.EmbedProvider = "anthropic"
		}, "no embeddings"},
		{"bad policy", func(c *Config) { c.Escalation.Policy = "ignore" }, "escalation.policy"},
		{"webhook sink needs url", func(c *Config) { c.Capture.Sink = "webhook" }, "capture.webhook_url"},
		{"unknown sink", func(c *Config) { c.Capture.Sink = "sheets" }, "capture.sink"},
		{"top_k range", func(c *Config) { c.Retrieval.TopK = 50 }, "retrieval.top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.OpenAI.APIKey = "sk-test"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lustbot", "config.json")
	content := `{
  "server.port": 7000,
  "escalation.terms": ["נציג", "דחוף"],
  "retrieval.min_score": 0.25,
  "server.mcp_enabled": true
}`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	clearEnv(t)
	t.Setenv("LUSTBOT_OPENAI_API_KEY", "sk-test")
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if len(cfg.Escalation.Terms) != 2 || cfg.Escalation.Terms[1] != "דחוף" {
		t.Errorf("Escalation.Terms = %v", cfg.Escalation.Terms)
	}
	if cfg.Retrieval.MinScore != 0.25 {
		t.Errorf("Retrieval.MinScore = %v", cfg.Retrieval.MinScore)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = false")
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend()

	if err := setKey(b, "retrieval.top_k", "8"); err != nil {
		t.Fatalf("setKey int: %v", err)
	}
	if b.ints["retrieval.top_k"] != 8 {
		t.Errorf("top_k = %d", b.ints["retrieval.top_k"])
	}
	if err := setKey(b, "capture.dedupe_ttl", "12h"); err != nil {
		t.Fatalf("setKey duration: %v", err)
	}
	if err := setKey(b, "capture.dedupe_ttl", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "admin.token", "x"); err == nil || !strings.Contains(err.Error(), "LUSTBOT_ADMIN_TOKEN") {
		t.Errorf("secret key error = %v", err)
	}
	if err := setKey(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Admin.Token = "hunter2"
	cfg.Escalation.Terms = []string{"a", "b"}

	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "hunter2") || k.Key == "admin.token" {
			t.Errorf("secret leaked: %+v", k)
		}
		if k.Key == "escalation.terms" && k.Value != "a,b" {
			t.Errorf("terms displayed as %q", k.Value)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys and ShowAll disagree")
	}
}

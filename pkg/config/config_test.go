package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pulse/pkg/llm"
	"pulse/pkg/retrieval"
)

// clearEnv blanks every variable Load consults so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PULSE_PROVIDER", "PULSE_MODEL", "OPENAI_MODEL_NAME", "OLLAMA_HOST", "DEBUG",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"PULSE_LLM_PROVIDER", "PULSE_LLM_MODEL", "PULSE_WORKFLOW_MAX_PATCH_ATTEMPTS",
		"PULSE_WORKFLOW_STRICT_ROUTING", "PULSE_INDEX_EXTENSIONS", "PULSE_LLM_TEMPERATURE",
	} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, workspace, content string) {
	t.Helper()
	if err := os.MkdirAll(Dir(workspace), 0o755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(Path(workspace), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != llm.ProviderOpenAI || cfg.LLM.Model != DefaultOpenAIModel {
		t.Errorf("Unexpected LLM defaults: %+v", cfg.LLM)
	}
	if cfg.Workflow.DefaultMode != "agent" || cfg.Workflow.MaxPatchAttempts != 1 || cfg.Workflow.RetrievalK != 5 {
		t.Errorf("Unexpected workflow defaults: %+v", cfg.Workflow)
	}
	if cfg.Embedding.Provider != retrieval.EmbeddingHash {
		t.Errorf("Expected hash embeddings by default, got %q", cfg.Embedding.Provider)
	}
	if cfg.Storage.Database != DefaultDatabaseFile {
		t.Errorf("Expected default database, got %q", cfg.Storage.Database)
	}
}

func TestLoadYAMLWithSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_OLLAMA_MODEL", "qwen2.5-coder")
	ws := t.TempDir()
	writeConfig(t, ws, `
llm:
  provider: Ollama
  model: ${TEST_OLLAMA_MODEL}
workflow:
  default_mode: ask
  strict_routing: true
  max_patch_attempts: 3
  test_command: go test {files}
index:
  extensions: [".go", ".md"]
`)

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != llm.ProviderOllama || cfg.LLM.Model != "qwen2.5-coder" {
		t.Errorf("Unexpected LLM config: %+v", cfg.LLM)
	}
	if cfg.LLM.Host != llm.DefaultOllamaHost {
		t.Errorf("Expected default Ollama host, got %q", cfg.LLM.Host)
	}
	if !cfg.Workflow.StrictRouting || cfg.Workflow.MaxPatchAttempts != 3 || cfg.Workflow.DefaultMode != "ask" {
		t.Errorf("Unexpected workflow config: %+v", cfg.Workflow)
	}
	if len(cfg.Index.Extensions) != 2 {
		t.Errorf("Expected 2 extensions, got %v", cfg.Index.Extensions)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	ws := t.TempDir()
	writeConfig(t, ws, "llm:\n  provider: openai\n  model: gpt-4o-mini\n")

	t.Setenv("OPENAI_MODEL_NAME", "gpt-4.1")
	t.Setenv("PULSE_WORKFLOW_MAX_PATCH_ATTEMPTS", "2")
	t.Setenv("PULSE_WORKFLOW_STRICT_ROUTING", "true")
	t.Setenv("PULSE_INDEX_EXTENSIONS", ".go, .py")
	t.Setenv("PULSE_LLM_TEMPERATURE", "0.7")

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Errorf("Expected OPENAI_MODEL_NAME to win, got %q", cfg.LLM.Model)
	}
	if cfg.Workflow.MaxPatchAttempts != 2 || !cfg.Workflow.StrictRouting {
		t.Errorf("Generic overrides not applied: %+v", cfg.Workflow)
	}
	if strings.Join(cfg.Index.Extensions, "|") != ".go|.py" {
		t.Errorf("Unexpected extensions: %v", cfg.Index.Extensions)
	}
	if cfg.LLM.Temperature < 0.69 || cfg.LLM.Temperature > 0.71 {
		t.Errorf("Expected temperature 0.7, got %v", cfg.LLM.Temperature)
	}

	t.Setenv("PULSE_PROVIDER", "anthropic")
	t.Setenv("PULSE_MODEL", "claude-opus")
	cfg, err = Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Provider != llm.ProviderAnthropic || cfg.LLM.Model != "claude-opus" {
		t.Errorf("Short aliases not applied: %+v", cfg.LLM)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.Provider = "bard" }},
		{"empty model", func(c *Config) { c.LLM.Model = " " }},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }},
		{"embedding", func(c *Config) { c.Embedding.Provider = "word2vec" }},
		{"mode", func(c *Config) { c.Workflow.DefaultMode = "yolo" }},
		{"attempts", func(c *Config) { c.Workflow.MaxPatchAttempts = 0 }},
		{"extension", func(c *Config) { c.Index.Extensions = []string{"go"} }},
		{"prometheus url", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.PrometheusURL = "localhost:9090" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.LLM.Provider = "bard"
	if err := cfg.Validate(); !errors.Is(err, llm.ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	clearEnv(t)
	ws := t.TempDir()
	writeConfig(t, ws, "llm: [unclosed\n")
	if _, err := Load(ws); err == nil {
		t.Error("Expected parse error")
	}
}

func TestSaveAndReload(t *testing.T) {
	clearEnv(t)
	ws := t.TempDir()

	cfg := Default()
	cfg.LLM.Provider = llm.ProviderGemini
	cfg.LLM.Model = DefaultGeminiModel
	cfg.Workflow.TestCommand = "make test"
	if err := cfg.Save(ws); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(ws)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LLM.Provider != llm.ProviderGemini || loaded.Workflow.TestCommand != "make test" {
		t.Errorf("Config did not round-trip: %+v", loaded)
	}
}

func TestResolve(t *testing.T) {
	ws := filepath.Join("/", "work")
	if got := Resolve(ws, "pulse.db"); got != filepath.Join(ws, ProjectConfigDir, "pulse.db") {
		t.Errorf("Unexpected relative resolution: %s", got)
	}
	abs := filepath.Join("/", "var", "pulse.db")
	if got := Resolve(ws, abs); got != abs {
		t.Errorf("Absolute path changed: %s", got)
	}
}

func TestLLMClientConfigResolvesKey(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.LLM.Provider = llm.ProviderAnthropic

	store := NewSecretStore(map[string]string{"ANTHROPIC_API_KEY": "sk-ant-from-file"})
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	if got := cfg.LLMClientConfig(store).APIKey; got != "sk-ant-from-file" {
		t.Errorf("Secrets file should take precedence, got %q", got)
	}
	if got := cfg.LLMClientConfig(NewSecretStore(nil)).APIKey; got != "sk-ant-from-env" {
		t.Errorf("Expected env fallback, got %q", got)
	}

	cfg.Embedding.Provider = retrieval.EmbeddingOpenAI
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	if got := cfg.EmbeddingClientConfig(store).APIKey; got != "sk-openai" {
		t.Errorf("Expected OpenAI key for embeddings, got %q", got)
	}
}

func TestSummaryMasksSecrets(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	store := NewSecretStore(map[string]string{"OPENAI_API_KEY": "sk-abcdefghijklmnop"})

	s := cfg.Summarize("/work", store)
	if s.APIKey != "sk-a...mnop" {
		t.Errorf("Expected masked key, got %q", s.APIKey)
	}
	if s.TestCommand != notSet {
		t.Errorf("Expected unset test command, got %q", s.TestCommand)
	}

	var buf bytes.Buffer
	if err := s.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if strings.Contains(buf.String(), "sk-abcdefghijklmnop") {
		t.Error("Summary leaked the full key")
	}
	if !strings.Contains(buf.String(), "OPENAI_API_KEY") {
		t.Error("Summary should list stored secret names")
	}

	for in, want := range map[string]string{"": notSet, "short": "*****", "123456789": "1234...6789"} {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

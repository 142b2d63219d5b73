// Package config loads pulse settings from <workspace>/.pulse/config.yaml,
// applies environment overrides and defaults, and manages the encrypted
// secrets file that holds provider API keys.
package config

import (
	"path/filepath"

	"pulse/pkg/llm"
	"pulse/pkg/retrieval"
)

// ProjectConfigDir is the per-workspace directory for config and state.
const ProjectConfigDir = ".pulse"

// ConfigFileName is the config file inside ProjectConfigDir.
const ConfigFileName = "config.yaml"

// Defaults.
const (
	DefaultProvider          = llm.ProviderOpenAI
	DefaultOpenAIModel       = "gpt-4o"
	DefaultAnthropicModel    = "claude-sonnet-4-5"
	DefaultGeminiModel       = "gemini-2.5-flash"
	DefaultOllamaModel       = "llama3.1"
	DefaultMode              = "agent"
	DefaultCommandTimeout    = 600
	DefaultDatabaseFile      = "pulse.db"
	DefaultEventLogDir       = "logs"
	DefaultVectorDir         = "index"
	DefaultEmbeddingProvider = retrieval.EmbeddingHash
)

// Config is the full pulse configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Index     IndexConfig     `yaml:"index"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LLMConfig selects the completion provider. API keys never live here;
// they come from the secrets file or the environment.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Host        string  `yaml:"host,omitempty"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// EmbeddingConfig selects how code chunks are embedded for retrieval.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model,omitempty"`
	Host     string `yaml:"host,omitempty"`
}

// WorkflowConfig tunes the orchestration graph and its nodes.
type WorkflowConfig struct {
	DefaultMode            string `yaml:"default_mode"`
	StrictRouting          bool   `yaml:"strict_routing"`
	MaxPatchAttempts       int    `yaml:"max_patch_attempts"`
	ApprovalTimeoutSeconds int    `yaml:"approval_timeout_seconds"`
	TestCommand            string `yaml:"test_command,omitempty"`
	CommandTimeoutSeconds  int    `yaml:"command_timeout_seconds"`
	RetrievalK             int    `yaml:"retrieval_k"`
	ContextTokens          int    `yaml:"context_tokens"`
}

// IndexConfig controls codebase ingestion.
type IndexConfig struct {
	Collection   string   `yaml:"collection"`
	Extensions   []string `yaml:"extensions,omitempty"`
	MaxChunkSize int      `yaml:"max_chunk_size"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
}

// StorageConfig holds file locations. Relative paths resolve against the
// workspace's .pulse directory.
type StorageConfig struct {
	Database    string `yaml:"database"`
	EventLogDir string `yaml:"event_log_dir"`
	VectorDir   string `yaml:"vector_dir"`
}

// LoggingConfig controls logx debug output.
type LoggingConfig struct {
	Debug        bool     `yaml:"debug"`
	DebugDomains []string `yaml:"debug_domains,omitempty"`
}

// MetricsConfig points at a Prometheus server that scrapes pulse.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url,omitempty"`
}

// Dir returns the .pulse directory of a workspace.
func Dir(workspace string) string {
	return filepath.Join(workspace, ProjectConfigDir)
}

// Path returns the config file location of a workspace.
func Path(workspace string) string {
	return filepath.Join(Dir(workspace), ConfigFileName)
}

// Resolve makes a storage path absolute relative to the workspace's .pulse
// directory. Absolute paths are returned unchanged.
func Resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(Dir(workspace), p)
}

// DefaultModelFor returns the model used when none is configured.
func DefaultModelFor(provider string) string {
	switch provider {
	case llm.ProviderAnthropic:
		return DefaultAnthropicModel
	case llm.ProviderGemini:
		return DefaultGeminiModel
	case llm.ProviderOllama:
		return DefaultOllamaModel
	default:
		return DefaultOpenAIModel
	}
}

// APIKeyName returns the secret or environment variable holding the
// provider's key, or "" for providers that need none.
func APIKeyName(provider string) string {
	switch provider {
	case llm.ProviderOpenAI:
		return "OPENAI_API_KEY"
	case llm.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case llm.ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// LLMClientConfig builds the provider configuration, resolving the API key
// from secrets.
func (c *Config) LLMClientConfig(secrets *SecretStore) llm.Config {
	cfg := llm.Config{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		Host:        c.LLM.Host,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: c.LLM.Temperature,
	}
	if name := APIKeyName(c.LLM.Provider); name != "" && secrets != nil {
		cfg.APIKey, _ = secrets.Get(name)
	}
	return cfg
}

// EmbeddingClientConfig builds the retrieval embedding configuration.
func (c *Config) EmbeddingClientConfig(secrets *SecretStore) retrieval.EmbeddingConfig {
	cfg := retrieval.EmbeddingConfig{
		Provider: c.Embedding.Provider,
		Model:    c.Embedding.Model,
		Host:     c.Embedding.Host,
	}
	if cfg.Provider == retrieval.EmbeddingOpenAI && secrets != nil {
		cfg.APIKey, _ = secrets.Get("OPENAI_API_KEY")
	}
	return cfg
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pulse/pkg/llm"
	"pulse/pkg/nodes"
	"pulse/pkg/retrieval"
	"pulse/pkg/state"
)

// EnvPrefix prefixes the generic per-field overrides, e.g.
// PULSE_WORKFLOW_MAX_PATCH_ATTEMPTS.
const EnvPrefix = "PULSE_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads <workspace>/.pulse/config.yaml. A missing file yields the
// defaults with environment overrides applied.
func Load(workspace string) (*Config, error) {
	return LoadFile(Path(workspace))
}

// LoadFile reads a YAML config with ${VAR} substitution, applies environment
// overrides and defaults, then validates the result.
func LoadFile(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			if value := os.Getenv(match[2 : len(match)-1]); value != "" {
				return value
			}
			return match
		})
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to <workspace>/.pulse/config.yaml.
func (c *Config) Save(workspace string) error {
	if err := os.MkdirAll(Dir(workspace), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", ProjectConfigDir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	path := Path(workspace)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies the generic PULSE_<SECTION>_<FIELD> variables
// followed by the short aliases.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix)

	if v := os.Getenv("PULSE_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(v)
	}
	switch {
	case os.Getenv("PULSE_MODEL") != "":
		cfg.LLM.Model = os.Getenv("PULSE_MODEL")
	case os.Getenv("OPENAI_MODEL_NAME") != "" && (cfg.LLM.Provider == "" || cfg.LLM.Provider == llm.ProviderOpenAI):
		cfg.LLM.Model = os.Getenv("OPENAI_MODEL_NAME")
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.LLM.Host = v
		if cfg.Embedding.Provider == retrieval.EmbeddingOllama && cfg.Embedding.Host == "" {
			cfg.Embedding.Host = v
		}
	}
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Logging.Debug = true
	}
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, envKey+"_")
			continue
		}
		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		}
	case reflect.Float32, reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}

// applyDefaults fills every unset field.
func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = DefaultProvider
	}
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModelFor(cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == llm.ProviderOllama && cfg.LLM.Host == "" {
		cfg.LLM.Host = llm.DefaultOllamaHost
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = llm.DefaultMaxTokens
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = llm.TemperatureDefault
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = int(llm.DefaultRetryOptions().MaxRetries)
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = DefaultEmbeddingProvider
	}
	if cfg.Embedding.Provider == retrieval.EmbeddingOllama {
		if cfg.Embedding.Model == "" {
			cfg.Embedding.Model = "nomic-embed-text"
		}
		if cfg.Embedding.Host == "" {
			cfg.Embedding.Host = llm.DefaultOllamaHost
		}
	}

	if cfg.Workflow.DefaultMode == "" {
		cfg.Workflow.DefaultMode = DefaultMode
	}
	if cfg.Workflow.MaxPatchAttempts == 0 {
		cfg.Workflow.MaxPatchAttempts = nodes.DefaultMaxPatchAttempts
	}
	if cfg.Workflow.CommandTimeoutSeconds == 0 {
		cfg.Workflow.CommandTimeoutSeconds = DefaultCommandTimeout
	}
	if cfg.Workflow.RetrievalK == 0 {
		cfg.Workflow.RetrievalK = nodes.DefaultSearchResults
	}
	if cfg.Workflow.ContextTokens == 0 {
		cfg.Workflow.ContextTokens = llm.DefaultContextTokens
	}

	if cfg.Index.Collection == "" {
		cfg.Index.Collection = retrieval.DefaultCollection
	}
	if len(cfg.Index.Extensions) == 0 {
		cfg.Index.Extensions = append([]string(nil), retrieval.DefaultExtensions...)
	}
	if cfg.Index.MaxChunkSize == 0 {
		cfg.Index.MaxChunkSize = retrieval.DefaultMaxChunkSize
	}
	if cfg.Index.MaxFileBytes == 0 {
		cfg.Index.MaxFileBytes = retrieval.DefaultMaxFileBytes
	}

	if cfg.Storage.Database == "" {
		cfg.Storage.Database = DefaultDatabaseFile
	}
	if cfg.Storage.EventLogDir == "" {
		cfg.Storage.EventLogDir = DefaultEventLogDir
	}
	if cfg.Storage.VectorDir == "" {
		cfg.Storage.VectorDir = DefaultVectorDir
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	known := false
	for _, p := range llm.Providers {
		if c.LLM.Provider == p {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("llm.provider: %w: %q (supported: %s)", llm.ErrUnknownProvider, c.LLM.Provider, strings.Join(llm.Providers, ", "))
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model cannot be empty")
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0.0 and 2.0, got %v", c.LLM.Temperature)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}

	switch c.Embedding.Provider {
	case retrieval.EmbeddingHash, retrieval.EmbeddingOpenAI, retrieval.EmbeddingOllama:
	default:
		return fmt.Errorf("embedding.provider %q is not supported (use %s, %s or %s)",
			c.Embedding.Provider, retrieval.EmbeddingHash, retrieval.EmbeddingOpenAI, retrieval.EmbeddingOllama)
	}

	if !state.Mode(c.Workflow.DefaultMode).Valid() {
		return fmt.Errorf("workflow.default_mode %q must be one of ask, plan, agent", c.Workflow.DefaultMode)
	}
	if c.Workflow.MaxPatchAttempts < 1 {
		return fmt.Errorf("workflow.max_patch_attempts must be at least 1")
	}
	if c.Workflow.ApprovalTimeoutSeconds < 0 || c.Workflow.CommandTimeoutSeconds < 0 {
		return fmt.Errorf("workflow timeouts must not be negative")
	}
	if c.Workflow.RetrievalK < 1 {
		return fmt.Errorf("workflow.retrieval_k must be at least 1")
	}
	if c.Workflow.ContextTokens < 1 {
		return fmt.Errorf("workflow.context_tokens must be at least 1")
	}

	if c.Index.MaxChunkSize < 1 || c.Index.MaxFileBytes < 1 {
		return fmt.Errorf("index.max_chunk_size and index.max_file_bytes must be positive")
	}
	for _, ext := range c.Index.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("index.extensions: %q must start with a dot", ext)
		}
	}

	if c.Metrics.Enabled && c.Metrics.PrometheusURL != "" && !strings.Contains(c.Metrics.PrometheusURL, "://") {
		return fmt.Errorf("metrics.prometheus_url %q must include a scheme", c.Metrics.PrometheusURL)
	}
	return nil
}

// ensureDir creates the directory containing path.
func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

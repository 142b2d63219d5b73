// Package llm provides the model clients and the prompt-driven generators
// that back the Planner, Coder and QA nodes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pulse/pkg/proto"
)

const (
	// DefaultMaxTokens caps a single completion.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for planning and answering.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for patch and command generation.
	TemperatureDeterministic = 0.2
)

// Supported providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Providers lists every provider New accepts.
var Providers = []string{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama}

// ErrUnknownProvider is returned by New for an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown llm provider")

// CompletionRequest is a single chat completion call. System is sent
// separately from Messages because every provider treats it specially.
//
//nolint:govet // fieldalignment: value semantics preferred
type CompletionRequest struct {
	System      string
	Messages    []proto.Message
	MaxTokens   int
	Temperature float32
}

// CompletionResponse carries the model's text output.
type CompletionResponse struct {
	Content    string
	StopReason string
}

// Client is implemented by every provider adapter.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(system string, messages ...proto.Message) CompletionRequest {
	return CompletionRequest{
		System:      system,
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// Config selects and configures a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Host        string // Ollama only
	MaxTokens   int
	Temperature float32
}

// Validate checks that the configuration can build a client.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		if c.APIKey == "" {
			return fmt.Errorf("%s: API key cannot be empty", c.Provider)
		}
	case ProviderOllama:
		if c.Host == "" {
			return fmt.Errorf("ollama: host cannot be empty")
		}
	default:
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProvider, c.Provider, strings.Join(Providers, ", "))
	}
	if c.Model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max tokens must not be negative")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// New builds the raw provider client for cfg. Callers usually wrap it with
// WithRetry.
func New(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model), nil
	case ProviderGemini:
		return NewGemini(cfg.APIKey, cfg.Model), nil
	case ProviderOllama:
		return NewOllama(cfg.Host, cfg.Model), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}

// withDefaults fills zero limits on a request.
func withDefaults(req CompletionRequest) CompletionRequest {
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	return req
}

// flatten renders a conversation as one prompt for providers that accept a
// single input string.
func flatten(messages []proto.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case proto.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", m.Content)
		case proto.RoleSystem:
			fmt.Fprintf(&sb, "System: %s\n\n", m.Content)
		default:
			sb.WriteString(m.Content)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"pulse/pkg/proto"
)

// GeminiClient wraps the Google GenAI client. The SDK client needs a context
// to construct, so it is created on first use.
type GeminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGemini creates a Gemini client for model.
func NewGemini(apiKey, model string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	in = withDefaults(in)

	client, err := g.sdk(ctx)
	if err != nil {
		return CompletionResponse{}, Classify(ProviderGemini, err)
	}

	system := in.System
	contents := make([]*genai.Content, 0, len(in.Messages))
	for _, m := range in.Messages {
		switch m.Role {
		case proto.RoleSystem:
			system = strings.TrimSpace(system + "\n\n" + m.Content)
			continue
		case proto.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return CompletionResponse{}, Classify(ProviderGemini, err)
	}
	text := result.Text()
	if text == "" {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "gemini: no text in response")
	}

	var stop string
	if len(result.Candidates) > 0 {
		stop = string(result.Candidates[0].FinishReason)
	}
	return CompletionResponse{Content: text, StopReason: stop}, nil
}

// GetModelName implements Client.
func (g *GeminiClient) GetModelName() string { return g.model }

package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient wraps the OpenAI Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI client for model.
func NewOpenAI(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements Client. The conversation is flattened into a single
// input string with the system prompt sent as instructions.
//
//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (c *OpenAIClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	in = withDefaults(in)

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flatten(in.Messages))},
	}
	if in.System != "" {
		params.Instructions = openai.String(in.System)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, Classify(ProviderOpenAI, err)
	}
	if resp == nil {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "openai: empty response")
	}
	content := resp.OutputText()
	if content == "" {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "openai: no output text")
	}
	return CompletionResponse{Content: content, StopReason: string(resp.Status)}, nil
}

// GetModelName implements Client.
func (c *OpenAIClient) GetModelName() string { return c.model }

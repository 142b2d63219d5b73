package llm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"pulse/pkg/proto"
)

// DefaultOllamaHost is used when the configured host does not parse.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllama creates an Ollama client. hostURL looks like
// "http://localhost:11434".
func NewOllama(hostURL, model string) *OllamaClient {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(DefaultOllamaHost)
		hostURL = DefaultOllamaHost
	}
	return &OllamaClient{
		client:  api.NewClient(parsed, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

// Complete implements Client.
//
//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (o *OllamaClient) Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error) {
	in = withDefaults(in)

	messages := make([]api.Message, 0, len(in.Messages)+1)
	if in.System != "" {
		messages = append(messages, api.Message{Role: string(proto.RoleSystem), Content: in.System})
	}
	for _, m := range in.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return CompletionResponse{}, Classify(ProviderOllama, err)
	}
	if response.Message.Content == "" {
		return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "ollama: no content in response")
	}
	return CompletionResponse{Content: response.Message.Content, StopReason: response.DoneReason}, nil
}

// GetModelName implements Client.
func (o *OllamaClient) GetModelName() string { return o.model }

// Host returns the server URL in use.
func (o *OllamaClient) Host() string { return o.hostURL }

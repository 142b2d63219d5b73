package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ModelUsage aggregates model calls scraped from pulse processes.
type ModelUsage struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	Errors           int64  `json:"errors"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService reads aggregated pulse metrics back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query %q failed: %w", query, err)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("query %q returned %s, expected vector", query, result.Type())
	}
	return vector, nil
}

// GetRunOutcomes returns run counts keyed by mode, then outcome.
func (q *QueryService) GetRunOutcomes(ctx context.Context) (map[string]map[string]int64, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`sum by (mode, outcome) (%s_workflow_runs_total)`, Namespace))
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[string]int64)
	for _, sample := range vector {
		mode := string(sample.Metric["mode"])
		if result[mode] == nil {
			result[mode] = make(map[string]int64)
		}
		result[mode][string(sample.Metric["outcome"])] = int64(sample.Value)
	}
	return result, nil
}

// GetModelUsage returns request and token totals broken down by model.
func (q *QueryService) GetModelUsage(ctx context.Context) (map[string]*ModelUsage, error) {
	result := make(map[string]*ModelUsage)
	usage := func(name string) *ModelUsage {
		u, ok := result[name]
		if !ok {
			u = &ModelUsage{Model: name}
			result[name] = u
		}
		return u
	}

	requests, err := q.vector(ctx, fmt.Sprintf(`sum by (model, status) (%s_llm_requests_total)`, Namespace))
	if err != nil {
		return nil, err
	}
	for _, sample := range requests {
		u := usage(string(sample.Metric["model"]))
		u.Requests += int64(sample.Value)
		if sample.Metric["status"] == "error" {
			u.Errors += int64(sample.Value)
		}
	}

	tokens, err := q.vector(ctx, fmt.Sprintf(`sum by (model, type) (%s_llm_tokens_total)`, Namespace))
	if err != nil {
		return nil, err
	}
	for _, sample := range tokens {
		u := usage(string(sample.Metric["model"]))
		switch sample.Metric["type"] {
		case "prompt":
			u.PromptTokens = int64(sample.Value)
		case "completion":
			u.CompletionTokens = int64(sample.Value)
		}
	}

	for _, u := range result {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return result, nil
}

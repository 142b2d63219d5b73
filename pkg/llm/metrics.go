package llm

import (
	"context"
	"strings"
	"time"

	"pulse/pkg/logx"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// RequestRecorder receives one observation per completed model call.
type RequestRecorder interface {
	ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)
}

// TokenCounter estimates token counts. *TokenBudget satisfies it.
type TokenCounter interface {
	Count(text string) int
}

type metricsClient struct {
	next     Client
	recorder RequestRecorder
	counter  TokenCounter
	logger   *logx.Logger
}

// WithMetrics records latency, token usage and error type for every call.
// A nil counter skips token estimation.
func WithMetrics(next Client, recorder RequestRecorder, counter TokenCounter) Client {
	return &metricsClient{next: next, recorder: recorder, counter: counter, logger: logx.NewLogger("llm")}
}

//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (m *metricsClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	resp, err := m.next.Complete(ctx, req)
	duration := time.Since(start)

	var promptTokens, completionTokens int
	if err == nil && m.counter != nil {
		var sb strings.Builder
		sb.WriteString(req.System)
		for _, msg := range req.Messages {
			sb.WriteString("\n")
			sb.WriteString(msg.Content)
		}
		promptTokens = m.counter.Count(sb.String())
		completionTokens = m.counter.Count(resp.Content)
	}

	errorType := ""
	status := statusSuccess
	if err != nil {
		errorType = TypeOf(err).String()
		status = statusError
	}
	model := m.next.GetModelName()
	m.recorder.ObserveRequest(model, promptTokens, completionTokens, err == nil, errorType, duration)
	m.logger.Debug("LLM request: model=%s tokens=%d+%d status=%s duration=%dms",
		model, promptTokens, completionTokens, status, duration.Milliseconds())

	return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
}

func (m *metricsClient) GetModelName() string { return m.next.GetModelName() }

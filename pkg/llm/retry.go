package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pulse/pkg/logx"
)

// RetryOptions configures WithRetry.
type RetryOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryOptions returns the retry policy used by the CLI.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:      4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

type retryClient struct {
	next   Client
	opts   RetryOptions
	logger *logx.Logger
}

// WithRetry retries rate-limit, transient and empty-response failures with
// exponential backoff. Other failures return immediately.
func WithRetry(next Client, opts RetryOptions) Client {
	return &retryClient{next: next, opts: opts, logger: logx.NewLogger("llm")}
}

func (r *retryClient) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if r.opts.InitialInterval > 0 {
		bo.InitialInterval = r.opts.InitialInterval
	}
	if r.opts.MaxInterval > 0 {
		bo.MaxInterval = r.opts.MaxInterval
	}
	bo.MaxElapsedTime = r.opts.MaxElapsedTime
	var b backoff.BackOff = bo
	if r.opts.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.opts.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

//nolint:gocritic // CompletionRequest passed by value for interface consistency
func (r *retryClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var resp CompletionResponse
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		resp, err = r.next.Complete(ctx, req)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !TypeOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		r.logger.Warn("%s attempt %d failed, retrying: %v", r.next.GetModelName(), attempt, err)
		return err
	}, r.policy(ctx))
	if err != nil {
		return CompletionResponse{}, err
	}
	return resp, nil
}

func (r *retryClient) GetModelName() string { return r.next.GetModelName() }

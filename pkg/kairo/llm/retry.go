package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Observer receives per-attempt model call latencies.
type Observer interface {
	ObserveModelCall(provider string, d time.Duration)
}

// RetryOptions configures WithRetry.
type RetryOptions struct {
	// MaxRetries is the number of additional attempts after a transient
	// failure. Zero disables retrying.
	MaxRetries int

	// Timeout bounds each attempt. Zero means no bound beyond ctx.
	Timeout time.Duration

	// Backoff is the pause before a retry (default 1s).
	Backoff time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// RetryClient bounds each call with a timeout and retries transient failures.
type RetryClient struct {
	next Client
	opts RetryOptions
}

// WithRetry wraps next.
func WithRetry(next Client, opts RetryOptions) *RetryClient {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "llm", "provider", next.Provider())
	return &RetryClient{next: next, opts: opts}
}

// Provider implements Client.
func (c *RetryClient) Provider() string { return c.next.Provider() }

// Complete implements Client. The returned error is always an *Error.
func (c *RetryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr *Error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.opts.Logger.Info("retrying model call",
				"attempt", attempt+1, "kind", lastErr.Kind.String(), "backoff", c.opts.Backoff)
			select {
			case <-ctx.Done():
				return nil, Classify(c.next.Provider(), fmt.Errorf("waiting to retry: %w", ctx.Err()))
			case <-time.After(c.opts.Backoff):
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = Classify(c.next.Provider(), err)
		if !lastErr.Kind.Retryable() || ctx.Err() != nil {
			break
		}
	}

	c.opts.Logger.Warn("model call failed", "kind", lastErr.Kind.String(), "error", lastErr.Err)
	return nil, lastErr
}

func (c *RetryClient) attempt(ctx context.Context, req Request) (*Response, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveModelCall(c.next.Provider(), time.Since(start))
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return resp, err
}

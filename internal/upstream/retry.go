package upstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/emojumpRepo/worldseek-studio/internal/apperr"
	"github.com/emojumpRepo/worldseek-studio/internal/types"
)

// RetryPolicy bounds the retries of a buffered upstream call.
type RetryPolicy struct {
	MaxRetries    int
	BackoffFactor float64
}

// DefaultRetryPolicy allows two retries waiting 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BackoffFactor: 2}
}

// Backoff returns the wait between attempt i and i+1 (zero-based):
// BackoffFactor^i seconds.
func (p RetryPolicy) Backoff(i int) time.Duration {
	return time.Duration(math.Pow(p.BackoffFactor, float64(i)) * float64(time.Second))
}

// Retrier runs a call under a RetryPolicy. Streaming calls never go through
// it: once bytes reach the caller a retry would duplicate output.
type Retrier struct {
	Policy RetryPolicy
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier that sleeps on the wall clock.
func NewRetrier(p RetryPolicy) *Retrier {
	return &Retrier{Policy: p, Sleep: sleepContext}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// MaxRetries+1 attempts are spent. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxAttempts := r.Policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !apperr.Retryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		wait := r.Policy.Backoff(attempt)
		slog.Warn("upstream.retry",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"wait", wait,
			"error", lastErr,
		)
		if err := sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	slog.Error("upstream.retry.exhausted", "attempts", maxAttempts, "error", lastErr)
	return lastErr
}

// DoWithRetry sends a buffered request under the retrier's policy.
func (c *Client) DoWithRetry(ctx context.Context, r *Retrier, target Target, payload types.FlowRequest, timeout time.Duration) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		if c.Verbose {
			slog.Info("upstream.attempt", "attempt", attempt+1, "url", target.URL())
		}
		body, err := c.Do(ctx, target, payload, timeout)
		if err != nil {
			return err
		}
		out = body
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// DefaultMaxRetries applies when a retrying step leaves MaxRetries at zero.
const DefaultMaxRetries = 3

// Backoff returns the delay before retry number retryCount+1: base times the
// attempt number, so 1s, 2s, 3s with a 1s base. It is capped at max when max > 0.
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 || retryCount < 0 {
		return 0
	}
	attempt := time.Duration(retryCount + 1)
	if max > 0 && attempt >= max/base {
		return max
	}
	return base * attempt
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryBudget returns how many retries a failing step gets; 0 disables retrying.
func retryBudget(step schema.Step) int {
	enabled := step.OnError == schema.OnErrorRetry
	max := 0
	if step.Action != nil {
		enabled = enabled || step.Action.RetryOnFailure
		max = step.Action.MaxRetries
	}
	if !enabled {
		return 0
	}
	if max <= 0 {
		return DefaultMaxRetries
	}
	return max
}

// isRetryable reports whether another attempt could change the outcome.
// Configuration errors and a cancelled context are final.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !schema.IsCode(err, schema.ErrCodeValidation) && !schema.IsCode(err, schema.ErrCodeActionUnavailable)
}

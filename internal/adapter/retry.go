package adapter

import (
	"context"
	"math/rand"
	"time"

	"barplant/internal/errs"
)

// retryWithBackoff retries fn up to maxRetries times with exponential
// backoff and jitter, stopping immediately on a permanent error or context
// cancellation. Generalizes the generic retryWithBackoff[T any]
// helper with explicit transient/permanent classification and ctx support.
func retryWithBackoff[T any](ctx context.Context, maxRetries int, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	base := 500 * time.Millisecond
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !errs.IsTransient(lastErr) {
			return result, lastErr
		}
		if attempt == maxRetries {
			break
		}

		backoff := base * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		wait := backoff + jitter

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(wait):
		}
	}
	return result, errs.Wrap(errs.ErrAdapterExhausted, "failed after %d attempts: %v", maxRetries, lastErr)
}

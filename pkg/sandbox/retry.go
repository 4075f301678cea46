package sandbox

import (
	"context"
	"time"
)

const (
	retryAttempts = 3
	retryBackoff  = 250 * time.Millisecond
)

// WithRetry runs fn up to retryAttempts times with linear backoff. Only
// retryable taxonomy errors trigger another attempt; NotFound and friends
// return immediately. Intended for idempotent remote reads only.
func WithRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, Normalize(ctx.Err(), "retry aborted")
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !Retryable(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, lastErr
}

package util

import (
	"context"
	"time"
)

// Backoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at max. A non-positive max disables the cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Retry calls fn up to maxAttempts times, sleeping Backoff(attempt, base,
// max) between failures. It returns nil on the first successful call, or the
// last error if all attempts fail. The function respects context
// cancellation between retries.
func Retry(ctx context.Context, maxAttempts int, base, max time.Duration, fn func() error) error {
	var err error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt, base, max)):
			}
		}
	}

	return err
}

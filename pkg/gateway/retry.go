package gateway

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Retry defaults. Every persistence call in the pipeline goes through
// the same policy; callers that need different bounds pass their own.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond
)

// Retry runs fn up to attempts times with increasing delay between
// tries (baseDelay, 2x, 4x, ...). The last error is returned after
// exhaustion; schedulers log-and-skip it, the control surface returns it.
func Retry(ctx context.Context, op string, attempts int, baseDelay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := baseDelay * time.Duration(1<<(attempt-2))
			log.Printf("Retrying %s in %v (attempt %d/%d): %v", op, delay, attempt, attempts, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

package persistence

import (
	"context"
	"log"
	"time"
)

const (
	retryAttempts = 3
	retryBase     = 1 * time.Second
)

// withRetry runs fn up to retryAttempts times with exponential backoff
// (base 1s, doubled per attempt). It stops early when ctx is cancelled.
// Used for critical writes; reads just fail and let the caller retry on
// its own cadence.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := retryBase

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}

		log.Printf("[sink] %s attempt %d/%d failed: %v (retrying in %s)",
			op, attempt, retryAttempts, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

package pipeline

import (
	"context"
	"time"
)

const (
	retryBaseDelay   = 500 * time.Millisecond
	maxExtraAttempts = 2
)

// withRetry runs op with exponential backoff, retrying only errors whose
// taxonomy tag is retriable. At most maxExtraAttempts retries follow the
// first attempt.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || attempt >= maxExtraAttempts || !isRetriable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Backoff retries retryable errors with exponential delay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is spent. Rate limits wait for Retry-After when the server sent one,
// otherwise twice the current delay.
func (b *Backoff) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	delay := b.BaseDelay

	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == b.MaxAttempts {
			break
		}

		wait := delay
		var rl *RateLimitError
		if errors.As(lastErr, &rl) {
			wait = 2 * delay
			if rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
		}

		b.Logger.Warn("retrying catalog request",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", b.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(lastErr))

		if err := sleep(ctx, wait); err != nil {
			return err
		}
		delay *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, b.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

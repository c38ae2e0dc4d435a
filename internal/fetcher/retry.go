package fetcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
)

// RetryOptions tune WithRetry. Zero values fall back to 3 attempts and 1s.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *zerolog.Logger
}

// WithRetry calls fn until it succeeds or MaxAttempts is reached, sleeping
// BaseDelay*2^attempt between attempts. It returns the last error.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		delay := base * time.Duration(1<<attempt)
		if opts.Logger != nil {
			opts.Logger.Warn().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", attempts).
				Dur("delay", delay).
				Msg("request failed, retrying")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}

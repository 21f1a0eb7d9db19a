package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior for registry HTTP operations.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// DefaultRetryConfig is three retries after the first attempt (four
// attempts in all), one-second initial backoff doubling up to thirty
// seconds.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// RetryWithContext executes fn, retrying on retryable KrustErrors with
// exponential backoff until config.MaxRetries is exhausted or ctx is
// cancelled. A non-retryable error returns immediately.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return NewErrorBuilder().
				Category(IoError).
				Severity(SeverityCritical).
				Operation(operation).
				Message("operation cancelled").
				Cause(ctx.Err()).
				Build()
		default:
		}

		if attempt > 0 {
			wait := interval
			if config.Jitter {
				wait = addJitter(interval)
			}
			select {
			case <-ctx.Done():
				return NewErrorBuilder().
					Category(IoError).
					Severity(SeverityCritical).
					Operation(operation).
					Message("operation cancelled during retry wait").
					Cause(ctx.Err()).
					Build()
			case <-time.After(wait):
			}

			interval = time.Duration(float64(interval) * config.Multiplier)
			if interval > config.MaxInterval {
				interval = config.MaxInterval
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !isRetryable(err) {
				return err
			}
			continue
		}
		return nil
	}

	return NewErrorBuilder().
		Category(RegistryHTTPError).
		Severity(SeverityHigh).
		Operation(operation).
		Messagef("operation failed after %d retries", config.MaxRetries).
		Cause(lastErr).
		Suggestion("check registry connectivity and try again").
		Metadata("max_retries", config.MaxRetries).
		Build()
}

func isRetryable(err error) bool {
	var ke *KrustError
	if e, ok := err.(*KrustError); ok {
		ke = e
	}
	if ke != nil {
		return ke.IsRetryable()
	}
	return false
}

func addJitter(interval time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * 0.25 * float64(interval))
	return interval + jitter
}

// ExponentialBackoff calculates the wait time for a given attempt,
// exposed standalone so transport code can compute a delay without
// going through RetryWithContext (e.g. when honoring a registry's
// Retry-After header would override it).
func ExponentialBackoff(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration, jitter bool) time.Duration {
	if attempt <= 0 {
		return 0
	}
	interval := time.Duration(float64(initialInterval) * math.Pow(multiplier, float64(attempt-1)))
	if interval > maxInterval {
		interval = maxInterval
	}
	if jitter {
		interval = addJitter(interval)
	}
	return interval
}

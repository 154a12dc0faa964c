package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RecoverableError marks an HTTP-level failure worth retrying (5xx,
// timeouts, overloaded). Anything else ends the attempt immediately.
type RecoverableError struct {
	Status int
	Msg    string
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("recoverable llm error (status %d): %s", e.Status, e.Msg)
}

// IsRecoverable reports whether err is retryable.
func IsRecoverable(err error) bool {
	var re *RecoverableError
	return errors.As(err, &re)
}

// RetryConfig shapes the exponential backoff used around LLM calls.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig retries three times with 2s, 4s, 8s delays.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second}
}

// RetryDo runs fn, retrying recoverable errors with exponential backoff.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsRecoverable(err) || attempt >= cfg.MaxRetries {
			return zero, err
		}

		slog.Warn("llm: retrying after recoverable error",
			"attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// retryable reports whether the request is worth reconnecting for:
// rate limits and transient server errors only.
func (e *HTTPError) retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RetryConfig bounds the connection-phase retry. Once a stream is open
// there is no retry; chunks are never replayed.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// RetryDo runs fn up to cfg.MaxAttempts times, backing off between
// attempts. Only retryable HTTP errors are retried; a Retry-After hint
// from the provider overrides the computed delay.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		httpErr, ok := err.(*HTTPError)
		if !ok || !httpErr.retryable() || attempt == cfg.MaxAttempts {
			return zero, err
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if httpErr.RetryAfter > 0 {
			delay = httpErr.RetryAfter
		}
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		slog.Debug("provider.retry", "attempt", attempt, "status", httpErr.Status, "delay", delay)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

// ParseRetryAfter reads a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ClassifyError maps a provider failure to the user-facing message the
// model layer returns as a domain error.
func ClassifyError(err error) string {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return err.Error()
	}
	switch {
	case httpErr.Status == 401:
		return "Invalid API key"
	case httpErr.Status == 429:
		return "Rate limit exceeded"
	case httpErr.Status == 400:
		return "Invalid request: " + httpErr.Body
	default:
		return httpErr.Error()
	}
}

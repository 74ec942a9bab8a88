package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// APIError is a non-2xx (or in-band error payload) response from a provider.
type APIError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Retryable reports whether a retry has a chance of succeeding:
// rate limits, server errors, and overload conditions.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return e.Code == "overloaded_error" || e.Code == "rate_limit_error"
}

// RetryConfig controls the exponential backoff around provider calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// RetryDo runs fn with exponential backoff on retryable API errors.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}

		var apiErr *APIError
		if attempt >= cfg.MaxAttempts || !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return zero, err
		}

		slog.Warn("provider call failed, retrying",
			"provider", apiErr.Provider, "status", apiErr.Status,
			"attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

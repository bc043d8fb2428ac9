package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// ErrorCategory classifies remote failures for logging and metrics. Every
// category counts against the circuit breaker.
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTransient - timeout, 5xx, 429, network error
	ErrorCategoryTransient

	// ErrorCategoryPermanent - 4xx, malformed response
	ErrorCategoryPermanent

	// ErrorCategoryShortCircuit - the breaker was open and the network was not touched
	ErrorCategoryShortCircuit
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	case ErrorCategoryShortCircuit:
		return "short_circuit"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by TryRemote when the breaker is open
var ErrCircuitOpen = &CallError{Category: ErrorCategoryShortCircuit, Message: "circuit open"}

// CallError wraps a remote failure with its classification
type CallError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int
	Cause      error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// ClassifyHTTPError classifies a non-2xx response from the scoring backend
func ClassifyHTTPError(statusCode int, body string) *CallError {
	err := &CallError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient
	case statusCode >= 400 && statusCode < 500:
		err.Category = ErrorCategoryPermanent
	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// ClassifyError classifies a general error from a remote call
func ClassifyError(err error) *CallError {
	if err == nil {
		return nil
	}

	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &CallError{
			Category: ErrorCategoryTransient,
			Message:  "Request timed out",
			Cause:    err,
		}
	}

	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &CallError{
			Category: ErrorCategoryTransient,
			Message:  fmt.Sprintf("Network error: %s", truncateString(errStr, 100)),
			Cause:    err,
		}
	}

	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls:") ||
		strings.Contains(errStr, "x509:") {
		return &CallError{
			Category: ErrorCategoryPermanent,
			Message:  "TLS/Certificate error",
			Cause:    err,
		}
	}

	return &CallError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(errStr, 200),
		Cause:    err,
	}
}

// BackoffCalculator computes retry delays with exponential backoff and optional jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator. Zero values fall back to
// 1s initial delay, 30s cap and a multiplier of 2. Jitter is off when
// jitterPercent is 0.
func NewBackoffCalculator(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *BackoffCalculator {
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 0
	}
	return &BackoffCalculator{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

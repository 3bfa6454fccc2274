package stream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload means an update or page could not be decoded. Fatal.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrRetryBudgetExhausted means a pull request kept failing past the retry budget. Fatal.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrConnection reports a live connection problem. Surfaced, not fatal on its own.
	ErrConnection = errors.New("connection error")

	// ErrNegotiation means the live transport could not be set up. Never surfaced; the
	// controller falls back to polling.
	ErrNegotiation = errors.New("live transport negotiation failed")

	ErrAlreadyStarted = errors.New("controller already started")
)

// statusError is a non-success pull response. Retriable.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// errorKind labels fatal errors for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "retries"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "other"
	}
}

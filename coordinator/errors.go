package coordinator

import (
	"errors"
	"fmt"
)

// Submission errors.
var (
	ErrInvalidRequest  = errors.New("coordinator: invalid request")
	ErrJobNotAccepting = errors.New("coordinator: job is draining, not accepting submissions")
)

// Transient fetch errors (retried by the Dispatcher).
var (
	ErrTimeout      = errors.New("coordinator: fetch timeout")
	ErrNetworkError = errors.New("coordinator: network error")
	ErrHTTPTransient = errors.New("coordinator: transient http status")
)

// Anti-bot errors (retried, with a proxy-ban penalty).
var (
	ErrBlocked          = errors.New("coordinator: blocked")
	ErrCaptchaRequired  = errors.New("coordinator: captcha required")
)

// Terminal fetch errors (not retried).
var (
	ErrHTTPClientError  = errors.New("coordinator: non-retryable http client error")
	ErrValidationFailed = errors.New("coordinator: validation failed")
)

// Internal errors (escalated; stop the Coordinator cleanly).
var (
	ErrQueueUnavailable  = errors.New("coordinator: queue unavailable")
	ErrCheckpointCorrupt = errors.New("coordinator: checkpoint corrupt")
	ErrUnknownWorker     = errors.New("coordinator: unknown worker")
)

// DeadLetterError is returned (and recorded) when a task exhausts its retry
// budget or hits a terminal error class. It carries enough structure for a
// caller to decide whether to re-submit.
type DeadLetterError struct {
	RequestID string
	Attempt   int
	LastError string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("coordinator: request %s dead after %d attempt(s): %s", e.RequestID, e.Attempt, e.LastError)
}

// FullOrUnavailable is returned by PriorityQueue.Enqueue when the underlying
// durable store rejects the write.
type FullOrUnavailable struct {
	Reason string
}

func (e *FullOrUnavailable) Error() string {
	return fmt.Sprintf("coordinator: queue full or unavailable: %s", e.Reason)
}

package pipeline

import (
	"errors"
	"fmt"
)

// The only user-visible failure strings the pipeline ever publishes.
const (
	MsgRecovering     = "*Session changed state, recovering...*"
	MsgGenericFailure = "Something went wrong. Please try again in a moment."
)

// RoutingError reports a failed respond/ignore classification. Never
// retriable: the message is simply not answered.
type RoutingError struct {
	Err error
}

func (e *RoutingError) Error() string { return fmt.Sprintf("turn routing failed: %v", e.Err) }

func (e *RoutingError) Unwrap() error { return e.Err }

// Retriable is always false for routing failures.
func (e *RoutingError) Retriable() bool { return false }

// ThreadEnsureError reports a failed channel-to-thread resolution.
type ThreadEnsureError struct {
	StatusCode int
	Err        error
}

func (e *ThreadEnsureError) Error() string {
	return fmt.Sprintf("thread creation failed (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *ThreadEnsureError) Unwrap() error { return e.Err }

// Retriable is true for rate limits and server-side failures.
func (e *ThreadEnsureError) Retriable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// retriable is the contract every taxonomy wrapper implements.
type retriable interface {
	Retriable() bool
}

// isRetriable walks the error chain for a Retriable() verdict.
func isRetriable(err error) bool {
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return false
}

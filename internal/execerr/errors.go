// Package execerr defines the error taxonomy shared across the plan
// executor, worker pool, rate limiter, and stream parser.
package execerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an execution-core error for dispatch and retry logic.
type Kind string

const (
	// KindInvalidPlan indicates a PlanIR failed validation (cycle, unknown
	// dependency, duplicate task ID, missing tool).
	KindInvalidPlan Kind = "invalid_plan"

	// KindUnknownTool indicates a task references a tool not present in the
	// registry at execution time.
	KindUnknownTool Kind = "unknown_tool"

	// KindToolFailure indicates a tool's Fn returned an error or panicked.
	KindToolFailure Kind = "tool_failure"

	// KindRateLimited indicates a scope's sliding window has no capacity and
	// the caller exceeded the hard wait ceiling.
	KindRateLimited Kind = "rate_limited"

	// KindModelRetryable indicates a provider error that the retry handler
	// classified as transient (rate limit or overload) and scheduled for
	// retry.
	KindModelRetryable Kind = "model_retryable"

	// KindWorkerInitFailure indicates a pooled worker failed to complete its
	// startup handshake.
	KindWorkerInitFailure Kind = "worker_init_failure"

	// KindConfigConflict indicates a rate-limit override conflicts with a
	// value pinned by environment configuration.
	KindConfigConflict Kind = "config_conflict"

	// KindCancelled indicates the operation's context was cancelled before
	// completion.
	KindCancelled Kind = "cancelled"
)

// ExecError is the structured error type returned by this module's
// subsystems. Callers should prefer errors.As to extract it and inspect Kind,
// rather than string-matching Error().
type ExecError struct {
	Kind    Kind
	Subject string // task ID, tool name, scope key, worker ID, etc.
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	if e.Subject != "" {
		if e.Message != "" {
			return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Subject, e.Message)
		}
		if e.Cause != nil {
			return fmt.Sprintf("[%s:%s] %v", e.Kind, e.Subject, e.Cause)
		}
		return fmt.Sprintf("[%s:%s]", e.Kind, e.Subject)
	}
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

// New builds an ExecError with a subject (task ID, tool name, scope key...).
func New(kind Kind, subject, message string) *ExecError {
	return &ExecError{Kind: kind, Subject: subject, Message: message}
}

// Wrap builds an ExecError around an existing cause.
func Wrap(kind Kind, subject string, cause error) *ExecError {
	return &ExecError{Kind: kind, Subject: subject, Cause: cause}
}

// Is reports whether err is an ExecError of the given kind.
func Is(err error, kind Kind) bool {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// As extracts the ExecError from err's chain, if present.
func As(err error) (*ExecError, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

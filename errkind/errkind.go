// Package errkind defines the error taxonomy shared by the task runtime and
// the job queue. Errors are distinguished by type, not by string matching,
// so callers use errors.As to classify a failure.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError means the input failed schema validation. Terminal.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// PermanentJobError is a business failure with no prospect of success on
// retry. Terminal.
type PermanentJobError struct {
	Cause error
}

func (e *PermanentJobError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Cause)
}

func (e *PermanentJobError) Unwrap() error { return e.Cause }

// RetryableJobError is a transient failure. The queue re-enqueues the job,
// honouring RetryDate when set.
type RetryableJobError struct {
	Cause     error
	RetryDate *time.Time
}

func (e *RetryableJobError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Cause)
}

func (e *RetryableJobError) Unwrap() error { return e.Cause }

// RateLimitError is a RetryableJobError raised by a provider's rate limit
// response (e.g. HTTP 429). It carries the parsed Retry-After as RetryDate.
type RateLimitError struct {
	RetryableJobError
}

// NewRateLimitError builds a RateLimitError with an optional retry date.
func NewRateLimitError(cause error, retryDate *time.Time) *RateLimitError {
	return &RateLimitError{RetryableJobError{Cause: cause, RetryDate: retryDate}}
}

// TimeoutError is a RetryableJobError raised when a job exceeds its
// timeoutMs. Becomes permanent once attempts reach maxAttempts — the queue
// enforces that by consulting MaxAttempts, not this type.
type TimeoutError struct {
	RetryableJobError
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v: %v", e.Duration, e.Cause)
}

// AbortError is a cooperative cancellation. Terminal, and distinct from
// FAILED: the job and its task end ABORTED.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return fmt.Sprintf("aborted: %s", e.Reason)
}

// CycleError is raised by graph mutation when an edge would close a cycle.
// No job is ever created for it.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// MissingRunFnError means no runFn is registered for (type, provider).
// Terminal FAILED.
type MissingRunFnError struct {
	TaskType string
	Provider string
}

func (e *MissingRunFnError) Error() string {
	return fmt.Sprintf("no runFn registered for type=%q provider=%q", e.TaskType, e.Provider)
}

// Kind names the taxonomy member an error belongs to, for status fields
// that must be serialised (the persisted job record's ErrorKind).
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermanent  Kind = "permanent"
	KindRetryable  Kind = "retryable"
	KindRateLimit  Kind = "rate_limit"
	KindTimeout    Kind = "timeout"
	KindAborted    Kind = "aborted"
	KindCycle      Kind = "cycle"
	KindMissingFn  Kind = "missing_run_fn"
	KindUnknown    Kind = "unknown"
)

// Classify maps an error to its taxonomy Kind. Unrecognised errors default
// to KindPermanent: the safe choice when it's unclear whether a retry could
// ever succeed.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var validation *ValidationError
	var permanent *PermanentJobError
	var rateLimit *RateLimitError
	var timeout *TimeoutError
	var retryable *RetryableJobError
	var abort *AbortError
	var cycle *CycleError
	var missing *MissingRunFnError

	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &rateLimit):
		return KindRateLimit
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &retryable):
		return KindRetryable
	case errors.As(err, &abort):
		return KindAborted
	case errors.As(err, &cycle):
		return KindCycle
	case errors.As(err, &missing):
		return KindMissingFn
	case errors.As(err, &permanent):
		return KindPermanent
	default:
		return KindPermanent
	}
}

// IsRetryable reports whether an error's Kind should cause the queue to
// re-enqueue the job rather than mark it FAILED or ABORTED.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRetryable, KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryDateOf extracts the RetryDate carried by a RetryableJobError (or one
// of its subclasses), if any.
func RetryDateOf(err error) *time.Time {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryDate
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return timeout.RetryDate
	}
	var retryable *RetryableJobError
	if errors.As(err, &retryable) {
		return retryable.RetryDate
	}
	return nil
}

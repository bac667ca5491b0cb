// Package apperr defines the error kinds shared across the runtime.
// Each kind decides how a failure is handled: validation errors go back
// to the model as tool results, unavailable errors return immediately
// without touching the network, resource errors are logged while the
// request carries on.
//
// Backend errors (retryable or not) live in package llm as *llm.APIError.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects bad input before it reaches storage or a
// tool. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UnavailableError means a tool server is in its failure cooldown.
type UnavailableError struct {
	Server string
	Until  time.Time
	Cause  string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("tool server %q is temporarily unavailable until %s", e.Server, e.Until.Format(time.RFC3339))
	if e.Cause != "" {
		msg += " (last error: " + e.Cause + ")"
	}
	return msg
}

// ResourceError reports a failure to allocate or clean up an execution
// workspace.
type ResourceError struct {
	Op   string // "acquire" or "release"
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("sandbox %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ResourceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsUnavailable reports whether err is or wraps an *UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

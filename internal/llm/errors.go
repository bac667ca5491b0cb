package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// APIError is a failed completion. Transient errors (network failures,
// timeouts, rate limits, 5xx, unreadable responses) are worth retrying;
// everything else is not.
type APIError struct {
	// StatusCode is the HTTP status, or 0 if no response was received.
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm backend returned %d: %s", e.StatusCode, e.Message)
	}
	return "llm backend: " + e.Message
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an *APIError worth retrying.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// classify converts a go-openai or transport error into an *APIError.
func classify(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Transient:  transientStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
			Transient:  transientStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	// Cancellation belongs to the caller, not the backend.
	if errors.Is(err, context.Canceled) {
		return &APIError{Message: err.Error(), Err: err}
	}

	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return &APIError{Message: err.Error(), Transient: true, Err: err}
	}

	return &APIError{Message: err.Error(), Err: err}
}

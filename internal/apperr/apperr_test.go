package apperr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("search_history: %w", Invalid("offset", "must not be negative, got %d", -1))

	if !IsValidation(err) {
		t.Fatal("IsValidation() = false for wrapped validation error")
	}
	if got := err.Error(); !strings.Contains(got, "invalid offset: must not be negative, got -1") {
		t.Errorf("Error() = %q", got)
	}
	if IsUnavailable(err) {
		t.Error("IsUnavailable() = true for a validation error")
	}
}

func TestUnavailableError(t *testing.T) {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &UnavailableError{Server: "search", Until: until, Cause: "connection refused"}

	if !IsUnavailable(fmt.Errorf("resolve: %w", err)) {
		t.Error("IsUnavailable() = false")
	}
	if got := err.Error(); !strings.Contains(got, "2026-01-02T03:04:05Z") || !strings.Contains(got, "connection refused") {
		t.Errorf("Error() = %q", got)
	}
}

func TestResourceErrorUnwrap(t *testing.T) {
	err := &ResourceError{Op: "release", Path: "/tmp/x", Err: os.ErrPermission}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("errors.Is did not see the wrapped error")
	}
}

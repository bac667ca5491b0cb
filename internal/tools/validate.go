package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/astarte-agent/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names, which are what the model sees.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses args into a T and validates it with its `validate`
// tags. Every failure is an *apperr.ValidationError, including numbers
// that do not fit the field type.
func Decode[T any](args json.RawMessage) (T, error) {
	var in T
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return in, decodeError(err)
	}
	if err := validate.Struct(in); err != nil {
		return in, validationError(err)
	}
	return in, nil
}

// Typed adapts a handler taking a decoded argument struct.
func Typed[T any](fn func(ctx context.Context, in T) (string, error)) Handler {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		in, err := Decode[T](args)
		if err != nil {
			return "", err
		}
		return fn(ctx, in)
	}
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "arguments"
		}
		return apperr.Invalid(field, "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apperr.Invalid("arguments", "malformed JSON at offset %d", syntaxErr.Offset)
	}
	return apperr.Invalid("arguments", "%v", err)
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Invalid("arguments", "%v", err)
	}
	fe := fieldErrs[0]
	return &apperr.ValidationError{Field: fe.Field(), Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "url", "http_url":
		return "must be an http or https URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidateStruct runs struct tag validation and returns the failures, or
// nil when v is valid.
func ValidateStruct(v any) []ValidationError {
	return FormatValidationErrors(validate.Struct(v))
}

// ValidateVar validates a single value against a tag such as "email".
func ValidateVar(v any, tag string) bool {
	return validate.Var(v, tag) == nil
}

// FormatValidationErrors converts validator.ValidationErrors into a slice of ValidationError
func FormatValidationErrors(err error) []ValidationError {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, len(ve))
	for i, fe := range ve {
		field := toSnake(fe.Field())
		out[i] = ValidationError{Field: field, Tag: fe.Tag()}
		switch fe.Tag() {
		case "required":
			out[i].Message = fmt.Sprintf("%s is required", field)
		case "email":
			out[i].Message = fmt.Sprintf("%s must be a valid email address", field)
		case "max":
			out[i].Message = fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
		case "oneof":
			out[i].Message = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
		default:
			out[i].Message = fmt.Sprintf("%s failed on %s", field, fe.Tag())
		}
	}
	return out
}

// Summary joins the messages into one line.
func Summary(errs []ValidationError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

func toSnake(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			if prevLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
			prevLower = false
		} else {
			prevLower = true
		}
		b.WriteRune(r)
	}
	return b.String()
}

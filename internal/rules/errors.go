package rules

import (
	"fmt"
	"strings"
)

// FieldError describes a single validation failure on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every validation failure found in a rule
// document. Normalization never stops at the first problem.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// Add appends a failure for the given field.
func (v *ValidationErrors) Add(field, format string, args ...any) {
	v.Errors = append(v.Errors, FieldError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasErrors reports whether any failure was recorded.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		parts[i] = e.Field + ": " + e.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

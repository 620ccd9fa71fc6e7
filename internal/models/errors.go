package models

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a credit does not exist in the ledger
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the credit number is already stored.
	// Callers on the ingestion path treat it as a duplicate, not a failure.
	ErrConflict = errors.New("credit number already exists")
)

// FieldError describes one rejected input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned when input is rejected before entering the pipeline
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+" "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err carries validation failures
func IsValidation(err error) bool {
	var v ValidationErrors
	return errors.As(err, &v)
}

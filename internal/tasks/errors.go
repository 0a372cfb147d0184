package tasks

import (
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("task not found")
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// StoreError wraps a failure of the underlying record store.
// errors.Is(err, ErrStoreUnavailable) holds for every StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "tasks: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports input that has the wrong shape or types.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// SyntaxError is returned when a request body is not a JSON object.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return "invalid json: " + e.Err.Error() }

func (e *SyntaxError) Unwrap() error { return e.Err }

// Package apperr defines the error categories shared by the profile and
// retrieval pipelines and the surfaces that expose them.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed input that was rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lookup for a key that has no record.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a backend failure the caller may retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConflict marks an optimistic write that lost against a concurrent one.
	ErrConflict = errors.New("version conflict")
)

// ValidationError lists every problem found in a request. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Problems []string
}

// Validation builds a ValidationError from a formatted single problem.
func Validation(format string, args ...any) error {
	return &ValidationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrValidation.Error()
	}
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// unavailable wraps a backend error without altering its message.
type unavailable struct {
	err error
}

// Unavailable marks err as retryable backend failure. The returned error
// keeps err's message and chain. Unavailable(nil) returns nil.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailable{err: err}
}

func (u *unavailable) Error() string        { return u.err.Error() }
func (u *unavailable) Unwrap() error        { return u.err }
func (u *unavailable) Is(target error) bool { return target == ErrUnavailable }

// NotFound returns an error matching ErrNotFound that names what was missing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

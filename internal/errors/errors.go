// Package errors defines the structured error taxonomy shared by the
// pipeline components. Transient I/O is retryable, configuration and
// invariant violations are not.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvariant        = errors.New("invariant violation")
	ErrDisabled         = errors.New("disabled")
	ErrForbidden        = errors.New("forbidden")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInvariant  ErrorType = "invariant"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// PipelineError is a structured error for pipeline operations.
type PipelineError struct {
	Type      ErrorType
	Op        string // operation that failed, e.g. "poll_historian", "finalize_baseline"
	Machine   string // machine ID where the error occurred, if applicable
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Machine != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Machine, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against both base sentinels and wrapped errors.
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvariant:
		return e.Type == ErrorTypeInvariant
	}
	return errors.Is(e.Err, target)
}

// New creates a new PipelineError.
func New(errorType ErrorType, op, machine string, err error) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Op:        op,
		Machine:   machine,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// isRetryable determines if an error should be retried.
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeConfig, ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeInvariant:
		return false
	default:
		if err == nil {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, hint := range []string{"timeout", "connection refused", "connection reset", "temporary", "broken pipe", "i/o timeout"} {
			if strings.Contains(msg, hint) {
				return true
			}
		}
		return false
	}
}

// IsRetryable reports whether err (or any error it wraps) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return isRetryable(ErrorTypeInternal, err)
}

// Invariantf builds a non-retryable invariant violation error.
func Invariantf(op, machine, format string, args ...interface{}) *PipelineError {
	return New(ErrorTypeInvariant, op, machine, fmt.Errorf(format, args...))
}

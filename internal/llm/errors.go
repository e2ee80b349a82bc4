package llm

import (
	"errors"
)

// TransientError represents a temporary upstream failure (rate limit, 5xx, network).
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent upstream failure (bad request, auth).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ClassifyStatus wraps err according to an upstream HTTP status code.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 0:
		return NewTransientError(err)
	case status == 429 || status >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}

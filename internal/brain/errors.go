package brain

import "errors"

// ProcessError tells the worker whether a failed pass should be retried from the stream.
type ProcessError struct {
	Err       error
	Retryable bool
}

func (e *ProcessError) Error() string {
	return e.Err.Error()
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error) *ProcessError {
	return &ProcessError{Err: err, Retryable: true}
}

func NewFatalError(err error) *ProcessError {
	return &ProcessError{Err: err, Retryable: false}
}

// IsRetryable reports whether err is worth another attempt. Errors that are not a
// ProcessError are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

package domain

import "errors"

// ErrNotFound is returned when an invocation does not exist for the given
// tenant and id.
var ErrNotFound = errors.New("invocation not found")

// ErrAlreadyCompleted is returned by the store when a completion write finds
// the record already completed. Callers treat it as a silent no-op.
var ErrAlreadyCompleted = errors.New("invocation already completed")

// ValidationError reports malformed input to start or complete. It is
// surfaced to the caller synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package engine

import (
	"errors"
	"fmt"
)

// errCancelled short-circuits a cycle whose session was deactivated while
// it was in flight. It never leaves the package.
var errCancelled = errors.New("engine: session cancelled")

// ErrNotActive is returned when reading live state of a conversation that has no running session.
var ErrNotActive = errors.New("engine: conversation not active")

// TransportError is a network or storage failure reported by a collaborator.
// Fetch failures are retried by the scheduler; send failures go back to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError reports a malformed outbound draft. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid draft: " + e.Reason
	}
	return fmt.Sprintf("invalid draft: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransport reports whether err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// asTransport wraps err as a TransportError unless it already carries a
// typed error from this package.
func asTransport(op string, err error) error {
	if err == nil || IsTransport(err) || IsValidation(err) || errors.Is(err, errCancelled) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

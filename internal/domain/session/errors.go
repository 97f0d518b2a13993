package session

import "errors"

// Sentinel kinds for session errors.
var (
	// ErrMissingProvider reports a session lookup outside of a Provide scope.
	// It is a wiring defect and callers must not recover from it.
	ErrMissingProvider = errors.New("score session provider missing: the store must be installed with session.Provide before it is read")
	// ErrMalformedValue reports a persisted value that does not parse.
	ErrMalformedValue = errors.New("malformed persisted value")
)

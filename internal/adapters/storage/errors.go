package storage

import "errors"

// Sentinel kinds for storage errors.
var (
	// ErrNotFound reports a key with no stored value.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable reports a store that cannot be read or written at all
	// (disabled, closed, unreadable file, database failure).
	ErrUnavailable = errors.New("storage unavailable")
	// ErrQuotaExceeded reports a write rejected by the per-origin quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

var errClosed = errors.New("store closed")

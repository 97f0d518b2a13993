// Package storage provides the string-valued, origin-scoped key-value stores
// the score session persists into. Every backend reports failures as *Error
// values carrying one of the sentinel kinds in errors.go, so callers decide
// what is recoverable with errors.Is instead of catching panics.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/divscore/pkg/metrics"
)

// Storage operation names used in errors and metrics.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpRemove = "remove"
	OpKeys   = "keys"
	OpOpen   = "open"
)

// KV is a string-valued key-value store scoped to one origin.
type KV interface {
	// Get returns the value stored under key or an error of kind ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists the stored keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the backend.
	Close() error
}

// Error describes a failed storage operation.
type Error struct {
	Backend string
	Op      string
	Key     string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage %s %s", e.Backend, e.Op)
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(backend, op, key string, kind, cause error) *Error {
	return &Error{Backend: backend, Op: op, Key: key, Kind: kind, Err: cause}
}

// KindName returns a short label for err's kind, suitable for logs and
// metric labels.
func KindName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}

// observe records one operation; it is deferred with a pointer to the named
// error result. A missing key is a normal outcome, not an error.
func observe(backend, op string, start time.Time, errp *error) {
	err := *errp
	latency := float64(time.Since(start).Microseconds()) / 1000
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "miss"
	default:
		result = "error"
		metrics.RecordStorageError(backend, KindName(err))
	}
	metrics.RecordStorageOp(backend, op, result, latency)
}

package store

import "errors"

// Errors returned by Store operations.
//
// Callers branch with errors.Is; the kind is fixed at the point of failure
// and never re-derived from message text:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // 404, not 500
//	}
var (
	// ErrNotFound is returned when the target file does not exist. It is
	// distinct from generic I/O failure so callers can treat "missing" and
	// "broken" differently.
	ErrNotFound = errors.New("file does not exist")

	// ErrLockTimeout is returned when the exclusive write lock could not be
	// acquired within the configured bound. It signals a retryable conflict
	// with another writer, not a fatal condition.
	ErrLockTimeout = errors.New("timed out waiting for file lock")
)

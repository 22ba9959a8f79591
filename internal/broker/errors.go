package broker

import "errors"

// Error kinds surfaced by broker operations. Callers match with errors.Is;
// anything else wrapping one of these carries extra context.
var (
	// ErrNotFound means the session does not exist or is already dead.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden means the session belongs to another user.
	ErrForbidden = errors.New("forbidden")

	// ErrCapacityExceeded means the per-user session cap was hit.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrConflict means a requested session id is already in use.
	ErrConflict = errors.New("session id already in use")

	// ErrUnavailable means the underlying runtime or PTY failed.
	ErrUnavailable = errors.New("runtime unavailable")
)

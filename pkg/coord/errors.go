package coord

import "github.com/pkg/errors"

var (
	// ErrConnectivity is a transient failure; the request may or may not
	// have been applied by the store.
	ErrConnectivity = errors.New("coordination store unreachable")
	// ErrSessionExpired means the session is gone along with its ephemeral nodes.
	ErrSessionExpired = errors.New("session expired")
	// ErrAlreadyExists is the expected outcome of losing a create race.
	ErrAlreadyExists = errors.New("node already exists")
	// ErrNotFound is returned when the target node or its parent is absent.
	ErrNotFound = errors.New("node not found")
	// ErrMalformed flags bad input such as an invalid path or record.
	ErrMalformed = errors.New("malformed input")
	// ErrRegistrationFailed is returned once the retry budget is spent.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrNotRegistered is used when a handle has no live node to act on.
	ErrNotRegistered = errors.New("not registered")
	// ErrClosed is used when a link or component has been closed.
	ErrClosed = errors.New("closed")
)

// IsRetryable reports whether err is worth retrying under a RetryPolicy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

package memory

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the failure kinds a backend can surface. Adapters
// wrap these with operation context; match with errors.Is.
var (
	// ErrNotFound is returned by single-key lookups that miss.
	ErrNotFound = errors.New("record not found")

	// ErrBackendUnavailable signals a connection or authentication failure.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendOperationFailed signals a query or command the database rejected.
	ErrBackendOperationFailed = errors.New("backend operation failed")

	// ErrUnsupportedBackend signals an unrecognized backend kind at construction.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrInvalidConfiguration signals missing or inconsistent construction parameters.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// opError attaches the failing backend, operation and collection to one of
// the sentinel kinds. The cause, when present, stays on the unwrap chain.
func opError(kind error, backend, op, collection string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %s on %q: %w", backend, op, collection, kind)
	}
	return fmt.Errorf("%s: %s on %q: %w: %w", backend, op, collection, kind, cause)
}

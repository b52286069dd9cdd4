package schedule

import (
	"errors"
	"fmt"
)

// Tagged error types produced at the transport boundary. Classification in
// internal/schedule/faults switches on these instead of probing loose
// status fields.
var (
	// ErrWriteDisabled is returned when mutations are attempted while the
	// write-enable flag is off or the existence probe failed.
	ErrWriteDisabled = errors.New("schedule writes are disabled")

	// ErrWriterNotConfigured indicates a programming error: a mutation was
	// called on a backend constructed without a writer (calendar API
	// repositories are read-only unless one is injected).
	ErrWriterNotConfigured = errors.New("schedule writer not configured")

	// ErrContractMismatch indicates the backend's schema no longer matches
	// what this client expects (all fallback stages exhausted).
	ErrContractMismatch = errors.New("backend schema does not match client expectations")
)

// HTTPError is a non-2xx response from a remote backend.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.Status, e.URL)
}

// NetworkError is a transport-level failure (DNS, connection reset, ...).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError is an optimistic-concurrency failure: the supplied etag no
// longer matches the stored entity. ID targets the reload/merge flow.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule entry %s was modified by someone else", e.ID)
}

// NotFoundError is returned when an operation names an entity that does not
// exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("schedule entry %s not found", e.ID)
}

// ValidationError is returned for malformed inputs before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

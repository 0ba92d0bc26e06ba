package repositories

import "errors"

// Sentinel errors returned by repository implementations. Callers branch on
// these with errors.Is instead of inspecting driver-specific errors.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an insert or update violates a uniqueness
	// constraint, e.g. opening a second triggered alert for the same
	// (policy, monitor) pair.
	ErrConflict = errors.New("record conflicts with an existing record")
)

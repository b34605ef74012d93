package store

import "errors"

// Sentinel errors for the persistence layer. Callers discriminate with
// errors.Is; HTTP handlers map them onto status codes.
var (
	// ErrNotFound is returned when a lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for duplicate ids and for state transitions
	// that are no longer legal (e.g. resolving a resolved escalation).
	ErrConflict = errors.New("conflict")
)

package domain

import "errors"

var (
	// ErrNotFound is returned for an unknown job, assignment or contractor id.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a transition is not allowed from the current state,
	// e.g. a second accept on the same job or a duplicate round.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed input such as bad coordinates or a non-positive ttl.
	ErrValidation = errors.New("validation error")

	// ErrStorageUnavailable is returned when the backing key-value store cannot be read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

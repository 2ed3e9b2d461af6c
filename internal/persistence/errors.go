package persistence

import "errors"

var (
	// ErrNotFound is returned when an operation references an experiment or
	// memory id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an outcome or graduation is
	// requested against an experiment in an incompatible state.
	ErrInvalidTransition = errors.New("invalid transition")
)

package contract

import "errors"

var (
	// ErrValidation marks rejected input; the turn caused no state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable marks a failed adapter call (classifier, catalog,
	// knowledge). The engine recovers locally with a fallback reply.
	ErrUnavailable = errors.New("adapter unavailable")

	// ErrPersistence marks a failed store read/write. Fatal for the turn.
	ErrPersistence = errors.New("persistence failed")
)

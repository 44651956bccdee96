package registry

import "errors"

var (
	// ErrNotFound is returned when no validator matches the requested
	// name or location at all.
	ErrNotFound = errors.New("no matching validator")

	// ErrUnavailable is returned when validators match but every one of
	// them is confirmed unhealthy.
	ErrUnavailable = errors.New("no healthy validator available")
)

package subscription

import "errors"

var (
	// ErrUnknownEntity is returned when subscribing to an id outside the catalogue.
	ErrUnknownEntity = errors.New("subscription: unknown entity")

	// ErrUnknownGroup is returned when subscribing to an empty room or floor.
	ErrUnknownGroup = errors.New("subscription: unknown group")
)

package catalog

import "errors"

var (
	// ErrInvalidCatalog is returned when the catalogue fails validation.
	// The wrapped error lists every problem found.
	ErrInvalidCatalog = errors.New("catalog: invalid")

	// ErrRoomNotFound is returned when a room has no catalogue entries.
	ErrRoomNotFound = errors.New("catalog: room not found")

	// ErrFloorNotFound is returned when a floor has no catalogue entries.
	ErrFloorNotFound = errors.New("catalog: floor not found")
)

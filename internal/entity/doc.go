// Package entity defines the data model shared by the Gray Logic Mirror
// synchronisation engine.
//
// A mirrored entity is split into two halves with different owners:
//
//   - Identity: id, kind, room, floor and display name. Sourced only from the
//     local catalogue and never overwritten by the remote backend.
//   - RuntimeState: state string, typed attributes, availability and the last
//     update timestamp. Sourced from the remote backend (authoritative) or from
//     locally issued commands (optimistic).
//
// A View joins both halves and is the unit handed to subscribers.
//
// # Attribute projection
//
// The remote backend sends free-form attribute maps. Only the keys listed for
// an entity's Kind are projected into the typed Attributes struct; everything
// else is discarded at the boundary:
//
//	attrs := entity.Project(entity.KindLight, raw)
//	if attrs.Brightness != nil {
//	    fmt.Println(*attrs.Brightness)
//	}
//
// # Immutability
//
// Attribute pointers and View values are never mutated in place once built.
// Merge and Project always allocate, so Views can be shared between
// goroutines without copying.
package entity

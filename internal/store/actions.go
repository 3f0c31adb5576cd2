package store

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Action is one reducer input. The concrete types are ApplySnapshot,
// ApplyIncrementalUpdate and ApplyOptimisticUpdate.
type Action interface {
	action()
}

// ApplySnapshot replaces the runtime state of every catalogue entity with
// the result of a get_states request.
type ApplySnapshot struct {
	Epoch  uint64
	States []entity.RemoteState
}

// ApplyIncrementalUpdate applies one authoritative state change.
//
// A zero Timestamp means the remote did not report one; the store stamps
// the row with the current time. Removed is set when the remote reported
// the entity as deleted (new_state null).
type ApplyIncrementalUpdate struct {
	Epoch      uint64
	EntityID   string
	State      string
	Attributes map[string]json.RawMessage
	Timestamp  time.Time
	Removed    bool
}

// ApplyOptimisticUpdate overlays the expected effect of a local command.
type ApplyOptimisticUpdate struct {
	EntityID string
	Action   string
	Patch    entity.Patch
}

func (ApplySnapshot) action()          {}
func (ApplyIncrementalUpdate) action() {}
func (ApplyOptimisticUpdate) action()  {}

// IncrementalFromRemote builds an incremental update from a decoded remote
// state.
func IncrementalFromRemote(epoch uint64, rs entity.RemoteState) ApplyIncrementalUpdate {
	return ApplyIncrementalUpdate{
		Epoch:      epoch,
		EntityID:   rs.EntityID,
		State:      rs.State,
		Attributes: rs.Attributes,
		Timestamp:  rs.LastUpdated,
	}
}

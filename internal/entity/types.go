package entity

import "time"

// Sentinel state strings used by the remote backend and by the mirror for
// rows that have not been confirmed.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
	StateOn          = "on"
	StateOff         = "off"
)

// Identity is the immutable, catalogue-owned half of an entity.
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Room        string `json:"room" yaml:"room"`
	Floor       string `json:"floor" yaml:"floor"`
	DisplayName string `json:"display_name" yaml:"name"`
}

// RuntimeState is the mutable half of an entity, owned by the remote
// backend and overlaid by optimistic updates.
type RuntimeState struct {
	State       string     `json:"state"`
	Attributes  Attributes `json:"attributes"`
	Available   bool       `json:"available"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Equal compares two runtime states. When ignoreTime is set LastUpdated is
// left out of the comparison.
func (r RuntimeState) Equal(o RuntimeState, ignoreTime bool) bool {
	if r.State != o.State || r.Available != o.Available {
		return false
	}
	if !ignoreTime && !r.LastUpdated.Equal(o.LastUpdated) {
		return false
	}
	return r.Attributes.Equal(o.Attributes)
}

// View is what subscribers see: catalogue identity joined with the current
// runtime state. Pending is set while an optimistic update is outstanding.
type View struct {
	Identity
	RuntimeState
	Pending bool `json:"pending"`
}

// Equal reports whether two views carry the same identity, state and
// pending flag.
func (v *View) Equal(o *View) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Identity == o.Identity &&
		v.Pending == o.Pending &&
		v.RuntimeState.Equal(o.RuntimeState, false)
}

// Patch is a partial runtime-state change produced by a command.
// A nil State leaves the state string untouched; nil attribute fields are
// left untouched by Merge.
type Patch struct {
	State      *string    `json:"state,omitempty"`
	Attributes Attributes `json:"attributes"`
}

// IsEmpty reports whether the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.State == nil && p.Attributes.IsZero()
}

// PendingUpdate marks an outstanding optimistic update. It is superseded by
// the next authoritative update for the same entity.
type PendingUpdate struct {
	Action    string    `json:"action"`
	Patch     Patch     `json:"patch"`
	AppliedAt time.Time `json:"applied_at"`
}

// ConnectionStatus is the coarse connection status exposed to views.
type ConnectionStatus string

// Connection statuses.
const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState describes the link to the remote backend.
type ConnectionState struct {
	Status  ConnectionStatus `json:"status"`
	Phase   string           `json:"phase"`
	Message string           `json:"message,omitempty"`
	Attempt int              `json:"attempt"`
	Epoch   uint64           `json:"epoch"`
	Since   time.Time        `json:"since"`
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }

// IntPtr returns a pointer to n.
func IntPtr(n int) *int { return &n }

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 { return &f }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }

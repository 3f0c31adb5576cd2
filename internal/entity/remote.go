package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedState is returned when a remote state object cannot be decoded.
var ErrMalformedState = errors.New("entity: malformed remote state")

// RemoteState is one entity state as reported by the remote backend, before
// projection. It is the element of a get_states result and the new_state of
// a state_changed event.
type RemoteState struct {
	EntityID    string
	State       string
	Attributes  map[string]json.RawMessage
	LastUpdated time.Time
}

type remoteStateWire struct {
	EntityID    string                     `json:"entity_id"`
	State       json.RawMessage            `json:"state"`
	Attributes  map[string]json.RawMessage `json:"attributes"`
	LastUpdated string                     `json:"last_updated"`
}

// UnmarshalJSON accepts the state as a JSON string or number and tolerates
// an absent or empty last_updated.
func (r *RemoteState) UnmarshalJSON(data []byte) error {
	var w remoteStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	state, err := NormaliseState(w.State)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedState, w.EntityID, err)
	}

	var ts time.Time
	if w.LastUpdated != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.LastUpdated)
		if err != nil {
			return fmt.Errorf("%w: %s: last_updated: %v", ErrMalformedState, w.EntityID, err)
		}
	}

	*r = RemoteState{
		EntityID:    w.EntityID,
		State:       state,
		Attributes:  w.Attributes,
		LastUpdated: ts,
	}
	return nil
}

// MarshalJSON writes the wire form.
func (r RemoteState) MarshalJSON() ([]byte, error) {
	state, err := json.Marshal(r.State)
	if err != nil {
		return nil, err
	}
	w := remoteStateWire{
		EntityID:   r.EntityID,
		State:      state,
		Attributes: r.Attributes,
	}
	if !r.LastUpdated.IsZero() {
		w.LastUpdated = r.LastUpdated.Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// NormaliseState converts a raw JSON state value to its string form.
// Strings pass through, numbers keep their literal decimal text, booleans
// become "true"/"false", and null or absent becomes StateUnknown.
func NormaliseState(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, null) {
		return StateUnknown, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("state must be a string or number: %w", err)
		}
		return n.String(), nil
	}
}

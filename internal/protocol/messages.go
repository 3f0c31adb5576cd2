package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// Message types on the wire.
const (
	TypeAuthRequired    = "auth_required"
	TypeAuth            = "auth"
	TypeAuthOK          = "auth_ok"
	TypeAuthInvalid     = "auth_invalid"
	TypeSubscribeEvents = "subscribe_events"
	TypeGetStates       = "get_states"
	TypeCallService     = "call_service"
	TypeResult          = "result"
	TypeEvent           = "event"
	TypePing            = "ping"
	TypePong            = "pong"

	EventStateChanged = "state_changed"
)

// authMessage is the only message sent without an id.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// request is the common outbound envelope.
type request struct {
	ID          int            `json:"id"`
	Type        string         `json:"type"`
	EventType   string         `json:"event_type,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Service     string         `json:"service,omitempty"`
	Target      *target        `json:"target,omitempty"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}

type target struct {
	EntityID string `json:"entity_id"`
}

// ErrorInfo is the error object of a failed result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inbound is the common inbound envelope. Payload fields stay raw until the
// type is known.
type inbound struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorInfo      `json:"error"`
	Event   json.RawMessage `json:"event"`
	Message string          `json:"message"`
}

// eventEnvelope decodes an event only as far as the entity id. new_state is
// left raw so untracked entities are discarded before their payload is
// parsed.
type eventEnvelope struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string          `json:"entity_id"`
		NewState json.RawMessage `json:"new_state"`
	} `json:"data"`
}

// entityRef decodes only the entity_id of a state object.
type entityRef struct {
	EntityID string `json:"entity_id"`
}

// Result is the outcome of a request.
type Result struct {
	ID      int
	Success bool
	Result  json.RawMessage
	Error   *ErrorInfo
}

// Err returns nil for a successful result, or an error wrapping
// ErrCommandRejected.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return ErrCommandRejected
	}
	return fmt.Errorf("%w: %s: %s", ErrCommandRejected, r.Error.Code, r.Error.Message)
}

// StateChange is one tracked state_changed event. New is nil when the
// remote removed the entity.
type StateChange struct {
	EntityID string
	New      *entity.RemoteState
}

// Command is an outbound control request.
type Command struct {
	EntityID string
	Kind     entity.Kind
	Action   string
	Params   map[string]any
}

// decodeFrame splits one WebSocket frame into messages. The remote may
// coalesce several messages into a JSON array.
func decodeFrame(data []byte) ([]inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}

	if data[0] == '[' {
		var msgs []inbound
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return msgs, nil
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return []inbound{msg}, nil
}

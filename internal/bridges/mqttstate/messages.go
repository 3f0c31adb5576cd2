package mqttstate

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-mirror/internal/command"
)

// CommandMessage is the payload accepted on {prefix}/command/{entity_id}.
type CommandMessage struct {
	// ID is an optional caller correlation id echoed in the ack.
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// AckStatus is the outcome reported on the ack topic.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// Ack error codes.
const (
	CodeInvalidPayload    = "invalid_payload"
	CodeUnknownEntity     = "unknown_entity"
	CodeUnsupportedAction = "unsupported_action"
	CodeInvalidParams     = "invalid_params"
	CodeSendFailed        = "send_failed"
	CodeInternal          = "internal"
)

// AckMessage is published on {prefix}/ack/{entity_id} for every command.
// Accepted means the command was validated and sent; the remote outcome
// arrives later as a state change.
type AckMessage struct {
	CommandID string    `json:"command_id,omitempty"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	EntityID  string    `json:"entity_id"`
	Action    string    `json:"action,omitempty"`
	Status    AckStatus `json:"status"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errorCode maps a dispatch error onto an ack code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, command.ErrUnknownEntity):
		return CodeUnknownEntity
	case errors.Is(err, command.ErrUnsupportedAction):
		return CodeUnsupportedAction
	case errors.Is(err, command.ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, command.ErrSendFailed):
		return CodeSendFailed
	default:
		return CodeInternal
	}
}

package command

import "errors"

// Dispatch errors. Validation errors are returned before anything is
// applied or sent.
var (
	ErrUnknownEntity     = errors.New("command: unknown entity")
	ErrUnsupportedAction = errors.New("command: unsupported action")
	ErrInvalidParams     = errors.New("command: invalid params")
	ErrSendFailed        = errors.New("command: send failed")
	ErrInvalidDeps       = errors.New("command: invalid dependencies")
)

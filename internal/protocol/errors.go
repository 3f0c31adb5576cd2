package protocol

import "errors"

var (
	// ErrAuthInvalid is returned when the remote rejects the access token.
	// It is fatal for the session; the client does not retry on its own.
	ErrAuthInvalid = errors.New("protocol: authentication rejected")

	// ErrTransport wraps dial, read and write failures. It drives backoff.
	ErrTransport = errors.New("protocol: transport failure")

	// ErrMalformedMessage is returned for inbound payloads that cannot be decoded.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrUnexpectedMessage is returned when the handshake sees an out-of-order message.
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")

	// ErrNotConnected is returned when a command is issued outside the ready phase.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("protocol: client closed")

	// ErrUnknownService is returned when no remote service maps to a kind and action.
	ErrUnknownService = errors.New("protocol: no service for action")

	// ErrCommandRejected is returned by Result.Err when the remote refused a request.
	ErrCommandRejected = errors.New("protocol: request rejected")

	// ErrRetriesExhausted is recorded when MaxAttempts consecutive attempts fail.
	ErrRetriesExhausted = errors.New("protocol: reconnect attempts exhausted")

	// ErrKeepaliveTimeout is recorded when a ping goes unanswered.
	ErrKeepaliveTimeout = errors.New("protocol: keepalive timeout")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("protocol: invalid config")
)

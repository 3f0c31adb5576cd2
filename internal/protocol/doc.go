// Package protocol implements the client side of the remote backend's JSON
// WebSocket protocol.
//
// A Client owns exactly one connection at a time and drives it through a
// fixed sequence of phases:
//
//	idle → connecting → authenticating → subscribing → ready
//	                ↑                                      │
//	                └──── backoff ◀── closed | error ◀─────┘
//
// A session that ends passes through closed (the remote sent a normal close
// frame) or error (anything else) before backoff. After Close the phase
// stays closed.
//
// After auth_ok the client sends one subscribe_events (state_changed) and
// one get_states request. State events that arrive before the get_states
// result are buffered and delivered, in order, immediately after the
// snapshot, so a Handler always sees the snapshot for a connection before
// any incremental update from it. Each connection gets a new, increasing
// epoch number.
//
// # Filtering
//
// Inbound state events are checked against a Filter (normally the entity
// catalogue) using only the event's entity_id. The state payload of an
// untracked entity is never decoded.
//
// # Failure handling
//
//   - auth_invalid: fatal for the session. The client enters PhaseFailed and
//     does not retry until Connect is called again.
//   - transport loss or keepalive timeout: reconnect after
//     min(base*attempt, cap). After MaxAttempts consecutive failures the
//     client enters PhaseFailed.
//   - malformed message: logged, counted and dropped; the stream stays up.
//
// On every teardown all pending response callbacks are dropped without
// being invoked.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Handler methods and
// response callbacks are invoked from the client's single reader goroutine,
// in transport order.
package protocol

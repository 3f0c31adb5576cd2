// Package api implements the HTTP REST API and WebSocket relay for the
// mirror.
//
// This package provides:
//   - REST endpoints for entity views, rooms, commands and the command journal
//   - A WebSocket hub pushing entity, room and connection changes
//   - JWT bearer authentication with role permissions and room scoping
//   - Single-use tickets for browser WebSocket connections
//   - Middleware stack (request ID, logging and Prometheus instrumentation,
//     recovery, CORS, body limit)
//   - Prometheus exposition on /metrics next to the JSON /api/v1/metrics
//
// # Architecture
//
// The server is a thin consumer of *mirror.Engine. Reads come from the
// engine's store, commands go through Engine.Dispatch with source "api",
// and WebSocket clients hold ordinary engine subscriptions that are closed
// when the client unsubscribes or disconnects.
//
// # Security
//
// Tokens are HS256 JWTs carrying a role and an optional room list (see
// package auth). A room-scoped token only sees and operates entities in its
// rooms. /api/v1/health, /api/v1/metrics and /metrics are open.
package api

// Package auth verifies the bearer tokens presented to the relay.
//
// Tokens are HS256 JWTs carrying a role and an optional room scope:
//
//	viewer    read entities, rooms and the live WebSocket stream
//	operator  viewer plus dispatching commands
//	admin     operator plus the command journal
//
// A token with an empty room list may reach every room. A non-empty list
// limits both reads and commands to entities in those rooms. Role
// permissions are a static table; nothing is looked up per request.
package auth

// ABOUTME: Package session tracks logical client connections and their state.
// ABOUTME: Sessions move Initializing -> Active -> Closing -> Closed, never back.

// Package session implements the session manager: one session per logical
// client connection, created on the initialize handshake and destroyed on
// disconnect, explicit close, or idle reaping. Closed session ids are
// remembered so late requests are rejected as invalid-session rather than
// treated as unknown peers.
package session

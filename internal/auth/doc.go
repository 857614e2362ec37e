// ABOUTME: Package auth provides the pluggable authentication hook.
// ABOUTME: JWT bearer tokens and static capability tokens are supported.

// Package auth implements the optional authentication hook point for the
// protocol server. When configured, the initialize handshake derives a
// session's capability set from the presented credential; when absent,
// sessions run with the server's default capabilities. Authentication gates
// both tool listing and tool invocation through capability filtering.
package auth

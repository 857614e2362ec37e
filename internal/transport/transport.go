// ABOUTME: Transport, Conn, and Handler interfaces shared by all variants.
// ABOUTME: Sentinel errors communicate session termination outcomes to HTTP.

package transport

import (
	"context"
	"errors"
)

// ErrSessionUnknown is returned by Handler.CloseSession when the session id
// does not exist.
var ErrSessionUnknown = errors.New("unknown session")

// ErrSessionForbidden is returned by Handler.CloseSession when the caller's
// credential does not match the session owner.
var ErrSessionForbidden = errors.New("session not owned by caller")

// ErrUnrecoverableFrame signals that a frame could not be decoded well enough
// to produce an error response. Stream transports terminate the connection.
var ErrUnrecoverableFrame = errors.New("unrecoverable frame")

// Conn is one logical connection as seen by the protocol handler.
type Conn interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// SessionHint returns the transport-carried session token, or "" when
	// the transport has no out-of-band session field.
	SessionHint() string
	// BindSession tells the transport which session the connection now
	// belongs to, so it can echo the id to the client (HTTP header) or
	// route notifications.
	BindSession(sessionID string)
	// Send writes a server-initiated frame to the peer, outside the
	// request/response cycle. Transports without a back channel return an
	// error.
	Send(ctx context.Context, frame []byte) error
}

// Handler consumes inbound frames. Implemented by the protocol handler.
type Handler interface {
	// HandleFrame processes one frame and returns the response frame, or
	// nil when no response is due (notifications). A returned
	// ErrUnrecoverableFrame tells stream transports to terminate the
	// connection; other errors are transport-internal failures.
	HandleFrame(ctx context.Context, conn Conn, frame []byte) ([]byte, error)

	// ConnClosed reports that a connection ended. Session cleanup for
	// connection-bound sessions happens here.
	ConnClosed(connID string)

	// CloseSession terminates a session out of band (HTTP DELETE). The
	// ownerToken must match the credential the session was created with.
	CloseSession(sessionID, ownerToken string) error
}

// Transport adapts one I/O channel type into frames for a Handler.
type Transport interface {
	// Name identifies the transport in logs ("stdio", "http", "websocket").
	Name() string
	// Start begins accepting and blocks until ctx is cancelled or an
	// unrecoverable transport failure occurs. Per-connection and per-frame
	// failures are handled internally and never abort Start.
	Start(ctx context.Context, h Handler) error
	// Shutdown stops accepting new work and releases resources, bounded by
	// ctx.
	Shutdown(ctx context.Context) error
}

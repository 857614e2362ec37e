// ABOUTME: Correlation identifiers attached to every unit of request handling.
// ABOUTME: Carried on context.Context so logs and audit records can be linked.

package protocol

import (
	"context"

	"github.com/google/uuid"
)

// CallInfo holds the immutable identifiers for one inbound request. It is
// pure data; components read it from the context but never mutate it.
type CallInfo struct {
	RequestID string
	SessionID string
	TraceID   string
}

type callInfoKey struct{}

// NewCallInfo mints fresh request and trace identifiers for a request
// arriving on the given session.
func NewCallInfo(sessionID string) CallInfo {
	return CallInfo{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		TraceID:   uuid.New().String(),
	}
}

// WithCallInfo returns a context carrying the given correlation identifiers.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom extracts correlation identifiers from the context. The zero
// value is returned when none are attached.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}

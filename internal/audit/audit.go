// ABOUTME: Recorder interface and call-audit entry type.
// ABOUTME: NopRecorder is used when auditing is not configured.

package audit

import (
	"context"
	"time"
)

// Outcome classifies how a tool call ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Entry is one recorded tool call.
type Entry struct {
	ID        string // UUID, generated when empty
	SessionID string
	RequestID string
	TraceID   string
	Tool      string
	Outcome   Outcome
	Detail    string // sanitized failure detail, empty on success
	Duration  time.Duration
	Timestamp time.Time
}

// Recorder accepts audit entries. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
	Close() error
}

// NopRecorder discards every entry.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *Entry) error { return nil }
func (NopRecorder) Close() error                         { return nil }

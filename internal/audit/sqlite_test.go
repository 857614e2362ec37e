// ABOUTME: Tests for the SQLite audit recorder against a temp database.
// ABOUTME: Verifies schema creation, field round-trips, and Recent ordering.

package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	rec, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "audit", "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestSQLiteRecorder_RecordAndRecent(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	err := rec.Record(ctx, &Entry{
		SessionID: "sess-1",
		RequestID: "req-1",
		TraceID:   "trace-1",
		Tool:      "echo",
		Outcome:   OutcomeSuccess,
		Duration:  42 * time.Millisecond,
	})
	require.NoError(t, err)

	entries, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.NotEmpty(t, e.ID, "id should be generated")
	assert.False(t, e.Timestamp.IsZero(), "timestamp should be generated")
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, "echo", e.Tool)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, 42*time.Millisecond, e.Duration)
}

func TestSQLiteRecorder_RecentOrdering(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, tool := range []string{"first", "second", "third"} {
		err := rec.Record(ctx, &Entry{
			SessionID: "sess-1",
			RequestID: "req",
			TraceID:   "trace",
			Tool:      tool,
			Outcome:   OutcomeError,
			Detail:    "boom",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	entries, err := rec.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].Tool, "newest first")
	assert.Equal(t, "second", entries[1].Tool)
	assert.Equal(t, "boom", entries[0].Detail)
}

func TestSQLiteRecorder_OrderingAcrossSecondBoundaries(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	// A whole-second timestamp sorts after a later fractional one under
	// RFC3339Nano text ('Z' > '.'); the stored format must not do that.
	whole := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		tool string
		ts   time.Time
	}{
		{"oldest", whole},
		{"middle", whole.Add(500 * time.Millisecond)},
		{"newest", whole.Add(time.Second)},
	}
	for _, c := range cases {
		require.NoError(t, rec.Record(ctx, &Entry{
			SessionID: "sess-1",
			RequestID: "req",
			TraceID:   "trace",
			Tool:      c.tool,
			Outcome:   OutcomeSuccess,
			Timestamp: c.ts,
		}))
	}

	entries, err := rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "newest", entries[0].Tool)
	assert.Equal(t, "middle", entries[1].Tool)
	assert.Equal(t, "oldest", entries[2].Tool)
	assert.True(t, entries[2].Timestamp.Equal(whole), "timestamp round-trips")
}

func TestSQLiteRecorder_EmptyRecent(t *testing.T) {
	rec := newTestRecorder(t)

	entries, err := rec.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNopRecorder(t *testing.T) {
	var rec Recorder = NopRecorder{}
	assert.NoError(t, rec.Record(context.Background(), &Entry{Tool: "echo"}))
	assert.NoError(t, rec.Close())
}

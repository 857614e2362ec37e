// ABOUTME: SQLite implementation of the audit Recorder using modernc.org/sqlite.
// ABOUTME: Schema is created automatically; WAL mode for concurrent writers.

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_audit (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	request_id  TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	tool        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL,
	ts          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_audit_ts ON call_audit(ts);
CREATE INDEX IF NOT EXISTS idx_call_audit_session ON call_audit(session_id);
`

// tsFormat is fixed-width (zero-padded nanoseconds, UTC-normalized on
// write), so lexicographic order on the ts column matches chronological
// order. RFC3339Nano trims trailing zeros and breaks that property.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRecorder persists audit entries to a local SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteRecorder opens (or creates) the audit database at path. Parent
// directories are created if needed.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	logger := slog.Default().With("component", "audit")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Info("audit store opened", "path", path)
	return &SQLiteRecorder{db: db, logger: logger}, nil
}

// Record appends one entry. ID and Timestamp are generated when unset.
func (r *SQLiteRecorder) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_audit (id, session_id, request_id, trace_id, tool, outcome, detail, duration_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.RequestID, e.TraceID, e.Tool, string(e.Outcome),
		e.Detail, e.Duration.Milliseconds(), e.Timestamp.UTC().Format(tsFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first. Limit defaults to
// 100 and is capped at 1000.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, trace_id, tool, outcome, detail, duration_ms, ts
		 FROM call_audit ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcome, ts string
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RequestID, &e.TraceID,
			&e.Tool, &outcome, &e.Detail, &durationMS, &ts); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

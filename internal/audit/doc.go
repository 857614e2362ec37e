// ABOUTME: Package audit records tool-call outcomes for diagnostics.
// ABOUTME: SQLite-backed when configured, no-op otherwise.

// Package audit implements the optional call-audit subsystem: every tool
// call's outcome, duration, and correlation identifiers are appended to a
// local SQLite database. Recording failures are logged and never affect the
// outcome of the call being recorded.
package audit

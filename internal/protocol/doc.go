// ABOUTME: Package protocol defines the JSON-RPC 2.0 wire types and error codes
// ABOUTME: shared by every transport, plus per-request correlation context.

// Package protocol contains the wire-level message types for the toolgate
// protocol: JSON-RPC 2.0 requests, responses, and notifications, the stable
// error code constants, and the correlation identifiers threaded through
// request handling.
//
// The reserved code range (-32768..-32000) is never produced by tool
// handlers; application failures are reported with codes from the open
// range (see CodeToolExecution).
package protocol

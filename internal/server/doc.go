// ABOUTME: Package server wires transports, sessions, tools, and the breaker.
// ABOUTME: Handler does protocol dispatch; Server is the composition root.

// Package server contains the protocol handler and the composition root.
// The handler validates wire messages, performs the initialize handshake,
// and dispatches method calls to the tool registry through the circuit
// breaker. The server constructs the configured transports and manages
// startup and idempotent shutdown.
//
// Every per-request failure is recovered here and converted to an error
// response; only startup failures and unrecoverable framing corruption may
// terminate a connection or the process.
package server

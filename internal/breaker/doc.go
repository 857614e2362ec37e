// ABOUTME: Package breaker implements the circuit breaker guarding tool calls.
// ABOUTME: Single state machine parameterized by threshold, timeout, and probes.

// Package breaker provides a circuit breaker that wraps arbitrary operations
// with failure counting, a per-call timeout race, and fail-fast rejection
// while open. One configurable state machine covers every use; there are no
// specialized variants.
//
// A per-call timeout is a soft cancel: the breaker stops waiting and reports
// ErrTimeout, but the underlying operation keeps running until it observes
// its context cancellation.
package breaker

// ABOUTME: Package transport adapts concrete I/O channels into message streams.
// ABOUTME: Variants: stdio line stream, HTTP request/response, WebSocket duplex.

// Package transport defines the boundary between concrete I/O channels and
// the protocol handler. A Transport owns connection lifecycle and framing;
// it delivers each decoded frame to the Handler and writes whatever frames
// come back. Transports never silently drop a decodable request without
// producing a response.
package transport

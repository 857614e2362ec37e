// ABOUTME: JSON-RPC 2.0 envelope types, error codes, and frame parsing.
// ABOUTME: Parsing recovers the request id from malformed frames when possible.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every message.
const Version = "2.0"

// Standard JSON-RPC error codes (reserved range).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server-defined error codes (implementation-reserved range).
const (
	// CodeInvalidState is returned when a request arrives in a session state
	// that cannot accept it: a second initialize, or a call before initialize.
	CodeInvalidState = -32002

	// CodeInvalidSession is returned when a request references an unknown or
	// already-closed session id.
	CodeInvalidSession = -32003

	// CodeCircuitOpen is returned when the circuit breaker rejects a call
	// without invoking the tool. Clients should back off before retrying.
	CodeCircuitOpen = -32004
)

// CodeToolExecution is the application-range code used when a tool handler
// fails. The wire message is sanitized; details stay in local diagnostics.
const CodeToolExecution = 1001

// Request is a JSON-RPC 2.0 request or notification. Notifications carry no
// id and receive no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can travel through
// ordinary error returns and be recovered with errors.As.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResult builds a success response echoing the request id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response echoing the request id. A nil id encodes
// as null, which is the correct shape when the originating id is unknown.
func NewError(id json.RawMessage, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// Encode serializes a response for the wire. Encoding failures are reported
// as an internal error response so the peer always hears back.
func (r *Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		fallback := Response{
			JSONRPC: Version,
			ID:      r.ID,
			Error:   &Error{Code: CodeInternalError, Message: "failed to encode response"},
		}
		data, _ = json.Marshal(&fallback)
	}
	return data
}

// Parse decodes a single frame into a Request. On failure it returns an error
// response ready to send: a parse error if the frame was not valid JSON, or
// an invalid-request error if the envelope was malformed. The request id is
// recovered from the raw frame when possible so the peer can correlate the
// failure.
func Parse(frame []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		if !json.Valid(frame) {
			return nil, NewError(nil, CodeParseError, "invalid JSON", nil)
		}
		// Valid JSON with the wrong envelope shape, e.g. a non-string method.
		return nil, NewError(recoverID(frame), CodeInvalidRequest, "malformed request envelope", nil)
	}
	if req.JSONRPC != Version {
		return nil, NewError(req.ID, CodeInvalidRequest, "invalid JSON-RPC version", nil)
	}
	if req.Method == "" {
		return nil, NewError(req.ID, CodeInvalidRequest, "method is required", nil)
	}
	return &req, nil
}

// recoverID attempts to pull the id field out of a frame that failed full
// decoding. Returns nil when the frame is not even valid JSON.
func recoverID(frame []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// ABOUTME: Protocol handler: envelope validation, handshake, method dispatch.
// ABOUTME: Converts every per-request failure into a structured error response.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/audit"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/breaker"
	"github.com/2389/toolgate/internal/protocol"
	"github.com/2389/toolgate/internal/session"
	"github.com/2389/toolgate/internal/tools"
	"github.com/2389/toolgate/internal/transport"
)

// Method names understood by the handler.
const (
	methodInitialize = "initialize"
	methodPing       = "ping"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
)

// Hooks are the optional middleware points around tool calls. Auth and
// rate limiting plug in here rather than being baked into the core.
type Hooks struct {
	// PreCall runs after validation, before the handler is invoked. A
	// returned *protocol.Error is sent verbatim; any other error rejects
	// the call as invalid request.
	PreCall func(ctx context.Context, sess session.Session, tool string, input json.RawMessage) error
	// PostCall runs after the call completes, success or failure.
	PostCall func(ctx context.Context, sess session.Session, tool string, err error)
}

// HandlerConfig configures the protocol handler.
type HandlerConfig struct {
	SupportedVersions []string
	ServerName        string
	ServerVersion     string

	Registry *tools.Registry
	Sessions *session.Manager
	Breaker  *breaker.Breaker

	// Auth hook point: either or both may be nil. When both are nil the
	// server runs unauthenticated and sessions carry DefaultCapabilities.
	Verifier     auth.TokenVerifier
	Tokens       *auth.TokenStore
	AuthRequired bool
	DefaultCaps  []string

	Audit       audit.Recorder
	Hooks       Hooks
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Handler implements transport.Handler: it owns protocol dispatch for every
// transport variant.
type Handler struct {
	cfg      HandlerConfig
	logger   *slog.Logger
	latest   string
	caps     map[string]any // advertised capabilities, computed once
	recorder audit.Recorder
}

// initializeParams is the client side of the handshake.
type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
	// Token carries an in-band credential for transports without an
	// out-of-band auth channel (stdio, websocket).
	Token string `json:"token,omitempty"`
}

// initializeResult is the server side of the handshake.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolCallParams are the params for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolSummary is one entry in the tools/list result.
type toolSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// toolListResult is the result for tools/list.
type toolListResult struct {
	Tools []toolSummary `json:"tools"`
}

// NewHandler creates the protocol handler. The advertised capability set is
// computed here, once, and is identical for every session.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("breaker is required")
	}
	if len(cfg.SupportedVersions) == 0 {
		return nil, errors.New("at least one supported protocol version is required")
	}
	if cfg.AuthRequired && cfg.Verifier == nil && cfg.Tokens == nil {
		return nil, errors.New("token verifier or token store required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Audit
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}

	return &Handler{
		cfg:      cfg,
		logger:   logger.With("component", "handler"),
		latest:   cfg.SupportedVersions[len(cfg.SupportedVersions)-1],
		caps:     map[string]any{"tools": map[string]any{}, "notifications": map[string]any{}},
		recorder: recorder,
	}, nil
}

// HandleFrame implements transport.Handler. It never returns a non-nil
// frame and error together; ErrUnrecoverableFrame is reserved for frames
// whose originating id could not be determined.
func (h *Handler) HandleFrame(ctx context.Context, conn transport.Conn, frame []byte) ([]byte, error) {
	req, errResp := protocol.Parse(frame)
	if errResp != nil {
		if len(errResp.ID) == 0 {
			// No id to correlate the failure with: the connection is
			// faulted from the peer's perspective.
			h.logger.Error("undecodable frame", "conn_id", conn.ID(), "size", len(frame))
			return nil, transport.ErrUnrecoverableFrame
		}
		return errResp.Encode(), nil
	}

	if req.IsNotification() {
		h.handleNotification(conn, req)
		return nil, nil
	}

	resp := h.dispatch(ctx, conn, req)
	if resp == nil {
		return nil, nil
	}
	return resp.Encode(), nil
}

// ConnClosed implements transport.Handler: the session bound to a
// persistent connection dies with it.
func (h *Handler) ConnClosed(connID string) {
	h.cfg.Sessions.CloseConn(connID)
}

// CloseSession implements transport.Handler for explicit out-of-band
// termination. Ownership is verified against the credential the session was
// created with.
func (h *Handler) CloseSession(sessionID, ownerToken string) error {
	sess, err := h.cfg.Sessions.Get(sessionID)
	if err != nil {
		return transport.ErrSessionUnknown
	}
	if sess.OwnerToken != "" && sess.OwnerToken != ownerToken {
		return transport.ErrSessionForbidden
	}
	return h.cfg.Sessions.Close(sessionID)
}

// handleNotification accepts notifications without producing a response.
func (h *Handler) handleNotification(conn transport.Conn, req *protocol.Request) {
	h.logger.Debug("notification accepted",
		"method", req.Method,
		"conn_id", conn.ID(),
	)
}

// dispatch routes one request to its method handler. Every path returns a
// response; a request never goes unanswered.
func (h *Handler) dispatch(ctx context.Context, conn transport.Conn, req *protocol.Request) *protocol.Response {
	if req.Method == methodInitialize {
		return h.handleInitialize(ctx, conn, req)
	}

	sess, errResp := h.resolveSession(conn, req)
	if errResp != nil {
		return errResp
	}
	h.cfg.Sessions.Touch(sess.ID)

	info := protocol.NewCallInfo(sess.ID)
	ctx = protocol.WithCallInfo(ctx, info)

	h.logger.Debug("request",
		"method", req.Method,
		"session_id", sess.ID,
		"request_id", info.RequestID,
	)

	switch req.Method {
	case methodPing:
		return protocol.NewResult(req.ID, map[string]any{})
	case methodToolsList:
		return h.handleToolList(sess, req)
	case methodToolsCall:
		return h.handleToolCall(ctx, sess, req)
	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found", nil)
	}
}

// resolveSession maps a request to its session: the transport-carried token
// when present, otherwise the session bound to the connection. Requests
// arriving before initialize are invalid state; requests for closed or
// unknown session ids are invalid session.
func (h *Handler) resolveSession(conn transport.Conn, req *protocol.Request) (session.Session, *protocol.Response) {
	if hint := conn.SessionHint(); hint != "" {
		sess, err := h.cfg.Sessions.Get(hint)
		if err != nil {
			return session.Session{}, protocol.NewError(req.ID, protocol.CodeInvalidSession, "invalid session", nil)
		}
		return sess, nil
	}

	sess, ok := h.cfg.Sessions.ByConn(conn.ID())
	if !ok {
		return session.Session{}, protocol.NewError(req.ID, protocol.CodeInvalidState, "session not initialized", nil)
	}
	return sess, nil
}

// handleInitialize performs the handshake: credential resolution, protocol
// version negotiation, and session creation. A second initialize on an
// already-established session is an invalid-state error, never a crash.
func (h *Handler) handleInitialize(ctx context.Context, conn transport.Conn, req *protocol.Request) *protocol.Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid initialize params", nil)
		}
	}

	if hint := conn.SessionHint(); hint != "" {
		if _, err := h.cfg.Sessions.Get(hint); err == nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidState, "session already initialized", nil)
		}
	}
	if _, ok := h.cfg.Sessions.ByConn(conn.ID()); ok {
		return protocol.NewError(req.ID, protocol.CodeInvalidState, "session already initialized", nil)
	}

	caps, credential, err := h.resolveCapabilities(params.Token)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, err.Error(), nil)
	}

	// Version negotiation: echo a supported version, otherwise offer our
	// highest and let the client decide. Never fail on mismatch alone.
	negotiated := h.latest
	if h.supportsVersion(params.ProtocolVersion) {
		negotiated = params.ProtocolVersion
	}

	sess, err := h.cfg.Sessions.CreateForConn(conn.ID(), credential, caps)
	if err != nil {
		// Lost a race against a concurrent initialize on the same connection.
		return protocol.NewError(req.ID, protocol.CodeInvalidState, "session already initialized", nil)
	}
	if err := h.cfg.Sessions.MarkInitialized(sess.ID, negotiated, nil); err != nil {
		h.logger.Error("failed to activate session", "session_id", sess.ID, "err", err)
		return protocol.NewError(req.ID, protocol.CodeInternalError, "internal error", nil)
	}
	conn.BindSession(sess.ID)

	h.logger.Info("session initialized",
		"session_id", sess.ID,
		"protocol_version", negotiated,
		"conn_id", conn.ID(),
	)

	return protocol.NewResult(req.ID, initializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    h.caps,
		ServerInfo: serverInfo{
			Name:    h.cfg.ServerName,
			Version: h.cfg.ServerVersion,
		},
	})
}

// errAuthRequired rejects unauthenticated handshakes when auth is required.
var errAuthRequired = errors.New("authentication required")

// errInvalidToken is returned when a credential was presented but did not
// verify. Distinct from "no credential": a bad token never falls through to
// unauthenticated access.
var errInvalidToken = errors.New("invalid or expired token")

// resolveCapabilities derives the session capability set from the presented
// credential via the pluggable auth hook.
func (h *Handler) resolveCapabilities(token string) (caps []string, credential string, err error) {
	if token == "" {
		if h.cfg.AuthRequired {
			return nil, "", errAuthRequired
		}
		return h.cfg.DefaultCaps, "", nil
	}

	if h.cfg.Tokens != nil {
		if caps := h.cfg.Tokens.GetCapabilities(token); caps != nil {
			return caps, token, nil
		}
	}
	if h.cfg.Verifier != nil {
		principalID, tokenCaps, verr := h.cfg.Verifier.Verify(token)
		if verr == nil {
			if len(tokenCaps) == 0 {
				// No caps claim: the principal itself is the capability.
				tokenCaps = []string{principalID}
			}
			return tokenCaps, token, nil
		}
	}
	return nil, "", errInvalidToken
}

func (h *Handler) supportsVersion(v string) bool {
	for _, s := range h.cfg.SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// handleToolList returns the tools visible to the session. Category
// filtering happens in the registry; capability filtering applies only when
// the auth hook is configured.
func (h *Handler) handleToolList(sess session.Session, req *protocol.Request) *protocol.Response {
	var caps []string
	if h.authConfigured() {
		caps = sess.Capabilities
		if caps == nil {
			caps = []string{}
		}
	}

	visible := h.cfg.Registry.List(caps)
	result := toolListResult{Tools: make([]toolSummary, len(visible))}
	for i, d := range visible {
		result.Tools[i] = toolSummary{
			Name:        d.Name,
			Description: d.Description,
			Category:    d.Category,
			InputSchema: d.InputSchema,
		}
	}

	h.logger.Debug("tools/list", "count", len(visible), "session_id", sess.ID)
	return protocol.NewResult(req.ID, result)
}

// handleToolCall executes one tool call: state check, lookup, schema
// validation, hooks, then invocation through the circuit breaker.
func (h *Handler) handleToolCall(ctx context.Context, sess session.Session, req *protocol.Request) *protocol.Response {
	if sess.State != session.StateActive {
		return protocol.NewError(req.ID, protocol.CodeInvalidState, "session not initialized", nil)
	}

	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params", nil)
		}
	}
	if params.Name == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "tool name is required", nil)
	}

	// Unknown and disabled tools are indistinguishable from absent methods.
	desc, err := h.cfg.Registry.Get(params.Name)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found", nil)
	}

	if h.authConfigured() && !capsSatisfy(sess.Capabilities, desc.RequiredCapabilities) {
		// Indistinguishable from an unregistered tool: gated tools are hidden
		// from tools/list, so the call path must not reveal them either.
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found", nil)
	}

	// Schema validation happens before the handler is ever invoked.
	if err := h.cfg.Registry.Validate(params.Name, params.Arguments); err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "invalid params", verr.Detail)
		}
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found", nil)
	}

	if h.cfg.Hooks.PreCall != nil {
		if err := h.cfg.Hooks.PreCall(ctx, sess, params.Name, params.Arguments); err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Error: perr}
			}
			return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "call rejected", nil)
		}
	}

	info := protocol.CallInfoFrom(ctx)
	caller := tools.Caller{SessionID: sess.ID, Capabilities: sess.Capabilities}
	input := params.Arguments
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	start := time.Now()
	result, err := h.cfg.Breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return desc.Handler(ctx, caller, input)
	}, h.cfg.CallTimeout)
	elapsed := time.Since(start)

	if h.cfg.Hooks.PostCall != nil {
		h.cfg.Hooks.PostCall(ctx, sess, params.Name, err)
	}

	if err != nil {
		return h.toolCallError(ctx, sess, params.Name, info, elapsed, err, req.ID)
	}

	h.record(ctx, sess, params.Name, info, audit.OutcomeSuccess, "", elapsed)
	h.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"request_id", info.RequestID,
		"duration", elapsed,
	)

	raw, ok := result.(json.RawMessage)
	if !ok {
		// Handlers return raw JSON; anything else is re-marshaled.
		encoded, merr := json.Marshal(result)
		if merr != nil {
			return protocol.NewError(req.ID, protocol.CodeInternalError, "internal error", nil)
		}
		raw = encoded
	}
	return protocol.NewResult(req.ID, raw)
}

// toolCallError classifies a failed call. Breaker rejections and timeouts
// are distinguishable from application errors; handler failures are
// sanitized so internals never reach the wire.
func (h *Handler) toolCallError(ctx context.Context, sess session.Session, tool string, info protocol.CallInfo, elapsed time.Duration, err error, id json.RawMessage) *protocol.Response {
	h.logger.Warn("tool execution failed",
		"tool_name", tool,
		"session_id", sess.ID,
		"request_id", info.RequestID,
		"error", err,
	)

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		h.record(ctx, sess, tool, info, audit.OutcomeCircuitOpen, "circuit open", elapsed)
		return protocol.NewError(id, protocol.CodeCircuitOpen, "circuit breaker open", nil)
	case errors.Is(err, breaker.ErrTimeout):
		h.record(ctx, sess, tool, info, audit.OutcomeTimeout, "timeout", elapsed)
		return protocol.NewError(id, protocol.CodeInternalError, "tool call timed out", nil)
	case errors.Is(err, context.Canceled):
		h.record(ctx, sess, tool, info, audit.OutcomeError, "cancelled", elapsed)
		return protocol.NewError(id, protocol.CodeInternalError, "request cancelled", nil)
	default:
		h.record(ctx, sess, tool, info, audit.OutcomeError, "tool error", elapsed)
		return protocol.NewError(id, protocol.CodeToolExecution, "tool execution failed", nil)
	}
}

// record appends an audit entry; failures are logged, never surfaced.
func (h *Handler) record(ctx context.Context, sess session.Session, tool string, info protocol.CallInfo, outcome audit.Outcome, detail string, elapsed time.Duration) {
	entry := &audit.Entry{
		SessionID: sess.ID,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Tool:      tool,
		Outcome:   outcome,
		Detail:    detail,
		Duration:  elapsed,
	}
	if err := h.recorder.Record(ctx, entry); err != nil {
		h.logger.Warn("audit record failed", "err", err)
	}
}

func (h *Handler) authConfigured() bool {
	return h.cfg.Verifier != nil || h.cfg.Tokens != nil
}

// capsSatisfy reports whether the session's capabilities cover the required
// set.
func capsSatisfy(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// ABOUTME: Request/response HTTP transport with SSE notification streaming.
// ABOUTME: One protocol message per POST body; session token rides a header.

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SessionHeader carries the session token on HTTP requests and responses.
const SessionHeader = "Mcp-Session-Id"

// DefaultMaxBodyBytes caps request bodies when no limit is configured (1 MiB).
const DefaultMaxBodyBytes = 1 << 20

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr         string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// HTTP is the request/response transport. Each POST carries exactly one
// protocol message and its response; the transport itself holds no session
// state beyond the SSE notification streams. Session continuity rides the
// Mcp-Session-Id header.
type HTTP struct {
	addr     string
	maxBody  int64
	logger   *slog.Logger
	server   *http.Server
	streams  *sseHub
	handler  Handler
	handlerM sync.RWMutex
}

// NewHTTP creates the HTTP transport listening on cfg.Addr.
func NewHTTP(cfg HTTPConfig) *HTTP {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &HTTP{
		addr:    cfg.Addr,
		maxBody: maxBody,
		logger:  logger.With("component", "transport", "transport", "http"),
		streams: newSSEHub(),
	}
}

// Name implements Transport.
func (t *HTTP) Name() string { return "http" }

// Start serves until ctx is cancelled or the listener fails.
func (t *HTTP) Start(ctx context.Context, h Handler) error {
	t.handlerM.Lock()
	t.handler = h
	t.handlerM.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleRPC)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	t.logger.Info("http transport listening", "addr", t.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the listener, bounded by ctx.
func (t *HTTP) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// handleRPC is the single protocol endpoint: POST for messages, GET for the
// SSE notification stream, DELETE for session termination.
func (t *HTTP) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleStream(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes one protocol message per request body.
func (t *HTTP) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, t.maxBody+1))
	if err != nil {
		http.Error(w, "Bad Request: unreadable body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > t.maxBody {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	conn := &httpConn{
		id:   uuid.New().String(),
		hint: r.Header.Get(SessionHeader),
		w:    w,
		hub:  t.streams,
	}

	resp, err := t.currentHandler().HandleFrame(r.Context(), conn, body)
	if err != nil {
		// Request/response framing always has message boundaries, so an
		// unrecoverable frame degrades to a plain HTTP error.
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if resp == nil {
		// Notification: accepted, no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		t.logger.Warn("failed to write response", "err", err)
	}
}

// handleStream upgrades GET requests to an SSE stream delivering
// server-initiated notifications for the caller's session.
func (t *HTTP) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session")
	}
	if sessionID == "" {
		http.Error(w, "Bad Request: missing session id", http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "SSE upgrade failed", http.StatusInternalServerError)
		return
	}

	t.streams.attach(sessionID, sess)
	t.logger.Info("notification stream attached", "session_id", sessionID)

	<-r.Context().Done()

	t.streams.detach(sessionID)
	t.logger.Info("notification stream detached", "session_id", sessionID)
}

// handleDelete terminates a session. The caller must present the same
// credential the session was created with.
func (t *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+SessionHeader, http.StatusBadRequest)
		return
	}

	err := t.currentHandler().CloseSession(sessionID, bearerToken(r))
	switch {
	case err == nil:
		t.streams.detach(sessionID)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrSessionUnknown):
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, ErrSessionForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (t *HTTP) currentHandler() Handler {
	t.handlerM.RLock()
	defer t.handlerM.RUnlock()
	return t.handler
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// httpConn adapts one HTTP exchange to the Conn interface. It lives for a
// single request; out-of-band sends route through the SSE hub.
type httpConn struct {
	id   string
	hint string
	w    http.ResponseWriter
	hub  *sseHub
}

func (c *httpConn) ID() string { return c.id }

func (c *httpConn) SessionHint() string { return c.hint }

// BindSession echoes the session id back so the client can present it on
// subsequent requests.
func (c *httpConn) BindSession(sessionID string) {
	c.w.Header().Set(SessionHeader, sessionID)
	c.hint = sessionID
}

// Send delivers a server-initiated frame over the session's SSE stream.
func (c *httpConn) Send(_ context.Context, frame []byte) error {
	if c.hint == "" {
		return errors.New("no session bound to connection")
	}
	return c.hub.send(c.hint, frame)
}

// sseHub tracks the SSE notification stream attached to each session.
type sseHub struct {
	mu      sync.Mutex
	streams map[string]*sseStream
}

type sseStream struct {
	mu   sync.Mutex
	sess *sse.Session
}

func newSSEHub() *sseHub {
	return &sseHub{streams: make(map[string]*sseStream)}
}

func (h *sseHub) attach(sessionID string, sess *sse.Session) {
	h.mu.Lock()
	h.streams[sessionID] = &sseStream{sess: sess}
	h.mu.Unlock()
}

// count reports the number of attached streams.
func (h *sseHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (h *sseHub) detach(sessionID string) {
	h.mu.Lock()
	delete(h.streams, sessionID)
	h.mu.Unlock()
}

// send writes one frame as an SSE "message" event on the session's stream.
func (h *sseHub) send(sessionID string, frame []byte) error {
	h.mu.Lock()
	stream, ok := h.streams[sessionID]
	h.mu.Unlock()
	if !ok {
		return errors.New("no notification stream for session")
	}

	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(frame))

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if err := stream.sess.Send(msg); err != nil {
		return err
	}
	return stream.sess.Flush()
}

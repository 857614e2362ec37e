// ABOUTME: Persistent duplex transport over WebSocket connections.
// ABOUTME: Many in-flight requests per connection; responses matched by id.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WebSocketConfig configures the duplex transport.
type WebSocketConfig struct {
	Addr   string
	Logger *slog.Logger
}

// WebSocket is the persistent duplex transport. Each accepted socket is one
// connection carrying any number of concurrent in-flight requests; responses
// may arrive out of order and are matched by message id.
type WebSocket struct {
	addr   string
	logger *slog.Logger
	server *http.Server

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewWebSocket creates the duplex transport listening on cfg.Addr.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		addr:   cfg.Addr,
		logger: logger.With("component", "transport", "transport", "websocket"),
		conns:  make(map[string]*wsConn),
	}
}

// Name implements Transport.
func (t *WebSocket) Name() string { return "websocket" }

// Start accepts connections until ctx is cancelled or the listener fails.
func (t *WebSocket) Start(ctx context.Context, h Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		t.accept(ctx, w, r, h)
	})

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

	t.logger.Info("websocket transport listening", "addr", t.addr)

	select {
	case <-ctx.Done():
		t.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes all connections and stops the listener, bounded by ctx.
func (t *WebSocket) Shutdown(ctx context.Context) error {
	t.closeAll()
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// accept upgrades one socket and runs its read loop until disconnect.
func (t *WebSocket) accept(ctx context.Context, w http.ResponseWriter, r *http.Request, h Handler) {
	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket accept failed", "err", err)
		return
	}

	conn := &wsConn{id: uuid.New().String(), sock: sock}
	t.track(conn)
	t.logger.Info("connection opened", "conn_id", conn.id)

	defer func() {
		t.untrack(conn.id)
		h.ConnClosed(conn.id)
		sock.Close(websocket.StatusNormalClosure, "")
		t.logger.Info("connection closed", "conn_id", conn.id)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, frame, err := sock.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				t.logger.Warn("read failed", "conn_id", conn.id, "err", err)
			}
			return
		}

		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			resp, err := h.HandleFrame(ctx, conn, frame)
			if err != nil {
				if errors.Is(err, ErrUnrecoverableFrame) {
					// Cannot determine message boundaries or identity;
					// the connection is faulted.
					sock.Close(websocket.StatusProtocolError, "unrecoverable frame")
					return
				}
				t.logger.Error("frame handling failed", "conn_id", conn.id, "err", err)
				return
			}
			if resp == nil {
				return
			}
			if err := conn.Send(ctx, resp); err != nil {
				t.logger.Warn("write failed", "conn_id", conn.id, "err", err)
			}
		}(frame)
	}
}

func (t *WebSocket) track(c *wsConn) {
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
}

func (t *WebSocket) untrack(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *WebSocket) closeAll() {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.sock.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// wsConn is one accepted socket. Writes are serialized so concurrent
// responses never interleave within a frame.
type wsConn struct {
	id   string
	sock *websocket.Conn

	mu        sync.Mutex
	sessionID string
}

func (c *wsConn) ID() string { return c.id }

// SessionHint is empty: the socket itself identifies the session.
func (c *wsConn) SessionHint() string { return "" }

func (c *wsConn) BindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, frame)
}

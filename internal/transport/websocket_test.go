// ABOUTME: Tests for the duplex WebSocket transport using real sockets.
// ABOUTME: Covers concurrent in-flight calls, teardown, and faulted frames.

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newTestWebSocket serves the transport's accept path over an httptest
// listener and returns a ws:// URL to dial.
func newTestWebSocket(t *testing.T, h Handler) string {
	t.Helper()

	tr := NewWebSocket(WebSocketConfig{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr.accept(ctx, w, r, h)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return c
}

func TestWebSocketEcho(t *testing.T) {
	h := &stubHandler{onFrame: func(frame []byte) ([]byte, error) {
		return append([]byte("got:"), frame...), nil
	}}
	url := newTestWebSocket(t, h)

	c := dialWebSocket(t, url)
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, resp, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(resp) != "got:hello" {
		t.Errorf("unexpected response %q", resp)
	}
}

func TestWebSocketConcurrentRequests(t *testing.T) {
	h := &stubHandler{onFrame: func(frame []byte) ([]byte, error) {
		return frame, nil
	}}
	url := newTestWebSocket(t, h)

	c := dialWebSocket(t, url)
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const calls = 8
	for i := 0; i < calls; i++ {
		if err := c.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf("req-%d", i))); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	// Responses may arrive in any order; collect and match as a set.
	got := make(map[string]bool, calls)
	for i := 0; i < calls; i++ {
		_, resp, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		got[string(resp)] = true
	}
	for i := 0; i < calls; i++ {
		if !got[fmt.Sprintf("req-%d", i)] {
			t.Errorf("missing response for req-%d", i)
		}
	}
}

func TestWebSocketOutOfOrderResponses(t *testing.T) {
	firstSeen := make(chan struct{})
	release := make(chan struct{})
	h := &stubHandler{onFrame: func(frame []byte) ([]byte, error) {
		switch string(frame) {
		case "first":
			close(firstSeen)
			<-release
			return []byte("resp:first"), nil
		case "second":
			return []byte("resp:second"), nil
		}
		return nil, fmt.Errorf("unexpected frame %q", frame)
	}}
	url := newTestWebSocket(t, h)

	c := dialWebSocket(t, url)
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte("first")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case <-firstSeen:
	case <-ctx.Done():
		t.Fatal("handler never saw the first frame")
	}
	if err := c.Write(ctx, websocket.MessageText, []byte("second")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The first call is still in flight, so the second's response must
	// overtake it on the wire.
	_, resp, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(resp) != "resp:second" {
		t.Errorf("expected the second response first, got %q", resp)
	}

	close(release)
	_, resp, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(resp) != "resp:first" {
		t.Errorf("expected the first response last, got %q", resp)
	}
}

func TestWebSocketConnClosed(t *testing.T) {
	h := &stubHandler{onFrame: func(frame []byte) ([]byte, error) {
		return frame, nil
	}}
	url := newTestWebSocket(t, h)

	c := dialWebSocket(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	c.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for len(h.closed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler was not told the connection closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(h.closed()); n != 1 {
		t.Errorf("expected 1 closed connection, got %d", n)
	}
}

func TestWebSocketUnrecoverableFrame(t *testing.T) {
	h := &stubHandler{onFrame: func(frame []byte) ([]byte, error) {
		return nil, ErrUnrecoverableFrame
	}}
	url := newTestWebSocket(t, h)

	c := dialWebSocket(t, url)
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Write(ctx, websocket.MessageText, []byte("garbage")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The server faults the connection instead of answering.
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusProtocolError {
		t.Errorf("expected protocol error close, got %v (err: %v)", status, err)
	}
}

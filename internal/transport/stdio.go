// ABOUTME: Line-delimited stream transport over an io.Reader/io.Writer pair.
// ABOUTME: One implicit connection; a read failure or EOF ends the session.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Stdio is the stream transport: one message per newline-delimited line over
// a reader/writer pair, a single implicit connection for the process
// lifetime. Frames are handled concurrently; the writer is serialized.
type Stdio struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	conn *stdioConn
	done chan struct{}

	// terminated marks a connection the transport tore down itself after an
	// unrecoverable frame. The resulting read failure ends this session
	// only; it must not take co-running transports down with it.
	terminated atomic.Bool
}

// NewStdio creates a stream transport over the given reader and writer
// (typically os.Stdin and os.Stdout).
func NewStdio(r io.Reader, w io.Writer, logger *slog.Logger) *Stdio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		reader: r,
		writer: w,
		logger: logger.With("component", "transport", "transport", "stdio"),
		done:   make(chan struct{}),
	}
}

// Name implements Transport.
func (s *Stdio) Name() string { return "stdio" }

// Start reads frames until EOF, read failure, or ctx cancellation. Each
// frame is dispatched on its own goroutine so in-flight calls overlap;
// responses are matched by id, not by order.
func (s *Stdio) Start(ctx context.Context, h Handler) error {
	s.conn = &stdioConn{id: uuid.New().String(), writer: s.writer}

	readErr := make(chan error, 1)
	frames := make(chan []byte)

	go func() {
		defer close(frames)
		// bufio.Reader instead of Scanner: no max token size surprises.
		reader := bufio.NewReader(s.reader)
		for {
			line, err := reader.ReadBytes('\n')
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				select {
				case frames <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		h.ConnClosed(s.conn.id)
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return s.readFailed(err)
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return s.readFailed(err)
				default:
				}
				s.logger.Info("input stream closed")
				return nil
			}
			wg.Add(1)
			go func(frame []byte) {
				defer wg.Done()
				s.dispatch(ctx, h, frame)
			}(frame)
		}
	}
}

// readFailed classifies the end of the read loop: termination the transport
// triggered itself ends the session cleanly, anything else is a real error.
func (s *Stdio) readFailed(err error) error {
	if s.terminated.Load() {
		s.logger.Info("session ended after connection termination")
		return nil
	}
	s.logger.Error("read failed, ending session", "err", err)
	return err
}

// dispatch runs one frame through the handler and writes the response.
// An unrecoverable frame terminates the connection per the framing contract.
func (s *Stdio) dispatch(ctx context.Context, h Handler, frame []byte) {
	resp, err := h.HandleFrame(ctx, s.conn, frame)
	if err != nil {
		if errors.Is(err, ErrUnrecoverableFrame) {
			s.logger.Error("unrecoverable frame, terminating connection")
			s.terminated.Store(true)
			if closer, ok := s.reader.(io.Closer); ok {
				_ = closer.Close()
			}
			return
		}
		s.logger.Error("frame handling failed", "err", err)
		return
	}
	if resp == nil {
		return
	}
	if err := s.conn.Send(ctx, resp); err != nil {
		s.logger.Error("write failed", "err", err)
	}
}

// Shutdown waits for the Start loop to finish, bounded by ctx.
func (s *Stdio) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stdioConn is the single implicit connection of a stream transport.
type stdioConn struct {
	id     string
	writer io.Writer

	mu        sync.Mutex
	sessionID string
}

func (c *stdioConn) ID() string { return c.id }

// SessionHint is always empty: the stream transport carries no out-of-band
// session token; the connection itself is the session.
func (c *stdioConn) SessionHint() string { return "" }

func (c *stdioConn) BindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Send writes one frame followed by a newline. Serialized so concurrent
// responses never interleave within a line.
func (c *stdioConn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.writer.Write(frame); err != nil {
		return err
	}
	_, err := c.writer.Write([]byte{'\n'})
	return err
}

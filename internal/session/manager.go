// ABOUTME: Session lifecycle management with idle reaping and conn binding.
// ABOUTME: Closed session ids are remembered and rejected distinctly.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates the session id was never issued (or its
// closure record has aged out).
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed indicates the session id was valid but the session has
// been closed. Requests carrying it are rejected, never silently ignored.
var ErrSessionClosed = errors.New("session closed")

// ErrInvalidTransition indicates a lifecycle call that the session's current
// state cannot accept.
var ErrInvalidTransition = errors.New("invalid session state transition")

// State is a session lifecycle state.
type State int

const (
	// StateInitializing covers a session between creation and a completed
	// initialize handshake.
	StateInitializing State = iota
	// StateActive is a fully initialized session.
	StateActive
	// StateClosing is a session whose teardown has begun.
	StateClosing
	// StateClosed is terminal. A closed session is never reused.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the server-side state for one logical client connection.
// The manager owns all mutation; callers receive value copies.
type Session struct {
	ID              string
	CorrelationID   string
	ConnID          string
	OwnerToken      string // auth binding used to verify explicit termination
	Capabilities    []string
	ProtocolVersion string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	State           State
}

// closedRetention is how long closed session ids are remembered so that
// stragglers get an invalid-session error instead of not-found.
const closedRetention = time.Hour

// Manager tracks every live session and the connections bound to them.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]string    // connection id -> session id
	closed   map[string]time.Time // session id -> close time
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		closed:   make(map[string]time.Time),
	}
}

// Create registers a new session in Initializing state, bound to the given
// connection id when one is supplied (persistent transports).
func (m *Manager) Create(connID, ownerToken string, caps []string) Session {
	sess := m.newSession(connID, ownerToken, caps)

	m.mu.Lock()
	m.insertLocked(sess)
	m.mu.Unlock()

	m.logCreated(sess)
	return *sess
}

// CreateForConn is Create with an atomic binding check: it fails when the
// connection already has a live session. The check and the insert happen
// under one lock, so concurrent handshakes on a connection can never both
// succeed.
func (m *Manager) CreateForConn(connID, ownerToken string, caps []string) (Session, error) {
	sess := m.newSession(connID, ownerToken, caps)

	m.mu.Lock()
	if connID != "" {
		if _, bound := m.byConn[connID]; bound {
			m.mu.Unlock()
			return Session{}, fmt.Errorf("%w: connection %s already has a session", ErrInvalidTransition, connID)
		}
	}
	m.insertLocked(sess)
	m.mu.Unlock()

	m.logCreated(sess)
	return *sess, nil
}

func (m *Manager) newSession(connID, ownerToken string, caps []string) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.New().String(),
		CorrelationID:  uuid.New().String(),
		ConnID:         connID,
		OwnerToken:     ownerToken,
		Capabilities:   append([]string(nil), caps...),
		CreatedAt:      now,
		LastActivityAt: now,
		State:          StateInitializing,
	}
}

// insertLocked stores the session and its conn binding. Caller must hold
// the lock.
func (m *Manager) insertLocked(sess *Session) {
	m.sessions[sess.ID] = sess
	if sess.ConnID != "" {
		m.byConn[sess.ConnID] = sess.ID
	}
}

func (m *Manager) logCreated(sess *Session) {
	m.logger.Info("session created",
		"session_id", sess.ID,
		"conn_id", sess.ConnID,
		"correlation_id", sess.CorrelationID,
	)
}

// MarkInitialized transitions a session to Active with the negotiated
// protocol version. Capabilities, when non-nil, narrow the session's set.
func (m *Manager) MarkInitialized(id, negotiatedVersion string, caps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	if sess.State != StateInitializing {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, sess.State)
	}
	sess.State = StateActive
	sess.ProtocolVersion = negotiatedVersion
	if caps != nil {
		sess.Capabilities = append([]string(nil), caps...)
	}
	sess.LastActivityAt = time.Now()
	return nil
}

// Touch updates the session's last-activity time.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.LastActivityAt = time.Now()
	}
	m.mu.Unlock()
}

// Get returns a copy of the session. Closed ids report ErrSessionClosed.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, err := m.lookupLocked(id)
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

// ByConn returns a copy of the session bound to a connection id.
func (m *Manager) ByConn(connID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byConn[connID]
	if !ok {
		return Session{}, false
	}
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Close transitions a session through Closing to Closed and releases its
// connection binding. Closing an already-closed session is an error.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id)
}

// CloseConn closes the session bound to a connection, if any. Used by
// persistent transports on disconnect.
func (m *Manager) CloseConn(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byConn[connID]; ok {
		_ = m.closeLocked(id)
	}
}

// CloseAll closes every live session. Used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.sessions {
		_ = m.closeLocked(id)
	}
}

// ReapIdle closes sessions inactive beyond maxIdle and prunes aged closure
// records. Returns the number of sessions reaped.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivityAt) > maxIdle {
			if m.closeLocked(id) == nil {
				reaped++
			}
		}
	}
	for id, closedAt := range m.closed {
		if now.Sub(closedAt) > closedRetention {
			delete(m.closed, id)
		}
	}

	if reaped > 0 {
		m.logger.Info("reaped idle sessions", "count", reaped, "max_idle", maxIdle)
	}
	return reaped
}

// StartReaper runs ReapIdle on the given interval until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReapIdle(maxIdle)
			}
		}
	}()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// lookupLocked resolves an id to a live session. Caller must hold the lock.
func (m *Manager) lookupLocked(id string) (*Session, error) {
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	if _, wasClosed := m.closed[id]; wasClosed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// closeLocked performs the Closing -> Closed transition. Caller must hold
// the lock.
func (m *Manager) closeLocked(id string) error {
	sess, ok := m.sessions[id]
	if !ok {
		if _, wasClosed := m.closed[id]; wasClosed {
			return fmt.Errorf("%w: %s", ErrSessionClosed, id)
		}
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	sess.State = StateClosing
	if sess.ConnID != "" {
		delete(m.byConn, sess.ConnID)
	}
	sess.State = StateClosed
	delete(m.sessions, id)
	m.closed[id] = time.Now()

	m.logger.Info("session closed", "session_id", id)
	return nil
}

// ABOUTME: Tests for session lifecycle, conn binding, and idle reaping.
// ABOUTME: Verifies closed ids are rejected distinctly and never reused.

package session

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	t.Run("create starts in Initializing", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("conn-1", "", nil)

		if sess.State != StateInitializing {
			t.Errorf("expected Initializing, got %v", sess.State)
		}
		if sess.ID == "" || sess.CorrelationID == "" {
			t.Error("expected generated ids")
		}
		if m.Count() != 1 {
			t.Errorf("expected 1 session, got %d", m.Count())
		}
	})

	t.Run("mark initialized activates once", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("conn-1", "", nil)

		if err := m.MarkInitialized(sess.ID, "2025-11-25", []string{"base"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := m.Get(sess.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.State != StateActive {
			t.Errorf("expected Active, got %v", got.State)
		}
		if got.ProtocolVersion != "2025-11-25" {
			t.Errorf("expected negotiated version, got %q", got.ProtocolVersion)
		}
		if len(got.Capabilities) != 1 || got.Capabilities[0] != "base" {
			t.Errorf("expected narrowed capabilities, got %v", got.Capabilities)
		}

		err = m.MarkInitialized(sess.ID, "2025-11-25", nil)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition on second init, got %v", err)
		}
	})

	t.Run("touch refreshes activity", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("", "", nil)

		before, _ := m.Get(sess.ID)
		time.Sleep(5 * time.Millisecond)
		m.Touch(sess.ID)
		after, _ := m.Get(sess.ID)

		if !after.LastActivityAt.After(before.LastActivityAt) {
			t.Error("expected LastActivityAt to advance")
		}
	})
}

func TestCreateForConn(t *testing.T) {
	t.Run("rejects a second session on a bound connection", func(t *testing.T) {
		m := NewManager(slog.Default())
		if _, err := m.CreateForConn("conn-1", "", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := m.CreateForConn("conn-1", "", nil); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if m.Count() != 1 {
			t.Errorf("expected 1 session, got %d", m.Count())
		}
	})

	t.Run("concurrent creates admit exactly one", func(t *testing.T) {
		m := NewManager(slog.Default())

		const workers = 32
		start := make(chan struct{})
		errs := make(chan error, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := m.CreateForConn("conn-1", "", nil)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		successes := 0
		for err := range errs {
			if err == nil {
				successes++
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if successes != 1 {
			t.Errorf("expected exactly 1 success, got %d", successes)
		}
		if m.Count() != 1 {
			t.Errorf("expected 1 session, got %d", m.Count())
		}
	})

	t.Run("allows rebinding after the session closes", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess, err := m.CreateForConn("conn-1", "", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = m.Close(sess.ID)
		if _, err := m.CreateForConn("conn-1", "", nil); err != nil {
			t.Fatalf("expected rebinding after close, got %v", err)
		}
	})
}

func TestSessionClose(t *testing.T) {
	t.Run("closed ids are rejected as closed, not unknown", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("conn-1", "", nil)

		if err := m.Close(sess.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := m.Get(sess.ID)
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		if err := m.Close(sess.ID); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed on double close, got %v", err)
		}
	})

	t.Run("unknown ids are not found", func(t *testing.T) {
		m := NewManager(slog.Default())
		if _, err := m.Get("ghost"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("close releases the conn binding", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("conn-1", "", nil)

		if _, ok := m.ByConn("conn-1"); !ok {
			t.Fatal("expected conn binding")
		}
		_ = m.Close(sess.ID)
		if _, ok := m.ByConn("conn-1"); ok {
			t.Error("expected conn binding released")
		}
	})

	t.Run("CloseConn closes the bound session", func(t *testing.T) {
		m := NewManager(slog.Default())
		sess := m.Create("conn-1", "", nil)

		m.CloseConn("conn-1")
		if _, err := m.Get(sess.ID); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
		// Unknown conns are a no-op.
		m.CloseConn("ghost")
	})

	t.Run("CloseAll empties the manager", func(t *testing.T) {
		m := NewManager(slog.Default())
		a := m.Create("c1", "", nil)
		b := m.Create("c2", "", nil)

		m.CloseAll()
		if m.Count() != 0 {
			t.Errorf("expected 0 sessions, got %d", m.Count())
		}
		for _, id := range []string{a.ID, b.ID} {
			if _, err := m.Get(id); !errors.Is(err, ErrSessionClosed) {
				t.Errorf("expected %s closed, got %v", id, err)
			}
		}
	})
}

func TestReapIdle(t *testing.T) {
	m := NewManager(slog.Default())
	idle := m.Create("c1", "", nil)
	busy := m.Create("c2", "", nil)

	time.Sleep(20 * time.Millisecond)
	m.Touch(busy.ID)

	reaped := m.ReapIdle(10 * time.Millisecond)
	if reaped != 1 {
		t.Fatalf("expected 1 reaped, got %d", reaped)
	}
	if _, err := m.Get(idle.ID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected idle session closed, got %v", err)
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Errorf("expected busy session alive, got %v", err)
	}
}

func TestOwnerTokenAndCaps(t *testing.T) {
	m := NewManager(slog.Default())
	sess := m.Create("", "tok-1", []string{"base", "admin"})

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.OwnerToken != "tok-1" {
		t.Errorf("expected owner token, got %q", got.OwnerToken)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("expected 2 capabilities, got %v", got.Capabilities)
	}
}

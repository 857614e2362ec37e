// ABOUTME: Tests for the tool registry: registration, visibility, validation.
// ABOUTME: Covers duplicate rejection, categories, and concurrent unregister.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

func newTestDescriptor(name, category string) *Descriptor {
	return &Descriptor{
		Name:        name,
		Description: name + " test tool",
		Category:    category,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(_ context.Context, _ Caller, input json.RawMessage) (json.RawMessage, error) {
			return input, nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and looks up a tool", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		if err := reg.Register(newTestDescriptor("echo", "core")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		desc, err := reg.Get("echo")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if desc.Name != "echo" {
			t.Errorf("expected name 'echo', got %q", desc.Name)
		}
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		if err := reg.Register(newTestDescriptor("echo", "core")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := reg.Register(newTestDescriptor("echo", "other"))
		if !errors.Is(err, ErrDuplicateTool) {
			t.Fatalf("expected ErrDuplicateTool, got %v", err)
		}
	})

	t.Run("rejects a tool without a handler", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		err := reg.Register(&Descriptor{Name: "broken"})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects an invalid schema at registration", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		desc := newTestDescriptor("bad-schema", "core")
		desc.InputSchema = json.RawMessage(`{"type": 17}`)
		if err := reg.Register(desc); err == nil {
			t.Fatal("expected schema compile error")
		}
	})
}

func TestRegistryUnregister(t *testing.T) {
	t.Run("removed tools are not found", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		if err := reg.Register(newTestDescriptor("echo", "core")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reg.Unregister("echo") {
			t.Fatal("expected unregister to report removal")
		}
		if _, err := reg.Get("echo"); !errors.Is(err, ErrToolNotFound) {
			t.Fatalf("expected ErrToolNotFound, got %v", err)
		}
		if reg.Unregister("echo") {
			t.Error("second unregister must report nothing removed")
		}
	})

	t.Run("is safe under concurrent lookups", func(t *testing.T) {
		reg := NewRegistry(slog.Default())
		for _, name := range []string{"a", "b", "c", "d"} {
			if err := reg.Register(newTestDescriptor(name, "core")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 100 {
					_, _ = reg.Get("a")
					reg.List(nil)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Unregister("b")
			reg.Unregister("c")
		}()
		wg.Wait()

		if _, err := reg.Get("b"); err == nil {
			t.Error("expected b to be gone")
		}
		if _, err := reg.Get("a"); err != nil {
			t.Errorf("expected a to survive: %v", err)
		}
	})
}

func TestRegistryCategories(t *testing.T) {
	reg := NewRegistry(slog.Default())
	for name, cat := range map[string]string{"echo": "core", "spawn": "workers", "store": "storage"} {
		if err := reg.Register(newTestDescriptor(name, cat)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	t.Run("disabled categories are hidden from list", func(t *testing.T) {
		reg.DisableCategory("workers")
		defer reg.EnableCategory("workers")

		for _, d := range reg.List(nil) {
			if d.Category == "workers" {
				t.Errorf("disabled category leaked into list: %q", d.Name)
			}
		}
	})

	t.Run("disabled tools look unregistered on lookup", func(t *testing.T) {
		reg.DisableCategory("workers")
		defer reg.EnableCategory("workers")

		_, err := reg.Get("spawn")
		if !errors.Is(err, ErrToolNotFound) {
			t.Fatalf("expected ErrToolNotFound, got %v", err)
		}
	})

	t.Run("enable restores visibility", func(t *testing.T) {
		reg.DisableCategory("storage")
		reg.EnableCategory("storage")
		if _, err := reg.Get("store"); err != nil {
			t.Fatalf("expected store visible again: %v", err)
		}
	})

	t.Run("SetEnabledCategories disables the rest", func(t *testing.T) {
		reg2 := NewRegistry(slog.Default())
		for name, cat := range map[string]string{"echo": "core", "spawn": "workers"} {
			if err := reg2.Register(newTestDescriptor(name, cat)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		reg2.SetEnabledCategories([]string{"core"})
		if _, err := reg2.Get("spawn"); err == nil {
			t.Error("expected workers category disabled")
		}
		if _, err := reg2.Get("echo"); err != nil {
			t.Errorf("expected core category enabled: %v", err)
		}
	})
}

func TestRegistryCapabilityFilter(t *testing.T) {
	reg := NewRegistry(slog.Default())
	open := newTestDescriptor("open", "core")
	restricted := newTestDescriptor("restricted", "core")
	restricted.RequiredCapabilities = []string{"admin"}
	for _, d := range []*Descriptor{open, restricted} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	t.Run("nil caps disables gating", func(t *testing.T) {
		if got := len(reg.List(nil)); got != 2 {
			t.Errorf("expected 2 tools, got %d", got)
		}
	})

	t.Run("empty caps hide restricted tools", func(t *testing.T) {
		listed := reg.List([]string{})
		if len(listed) != 1 || listed[0].Name != "open" {
			t.Errorf("expected only 'open', got %v", listed)
		}
	})

	t.Run("matching caps reveal restricted tools", func(t *testing.T) {
		if got := len(reg.List([]string{"admin"})); got != 2 {
			t.Errorf("expected 2 tools, got %d", got)
		}
	})
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry(slog.Default())
	if err := reg.Register(newTestDescriptor("echo", "core")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	free := newTestDescriptor("free", "core")
	free.InputSchema = nil
	if err := reg.Register(free); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("accepts conforming input", func(t *testing.T) {
		if err := reg.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects missing required field", func(t *testing.T) {
		err := reg.Validate("echo", json.RawMessage(`{}`))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if verr.Tool != "echo" || verr.Detail == "" {
			t.Errorf("expected violation detail, got %+v", verr)
		}
	})

	t.Run("rejects wrong field type", func(t *testing.T) {
		err := reg.Validate("echo", json.RawMessage(`{"text":12}`))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("tools without a schema accept anything", func(t *testing.T) {
		if err := reg.Validate("free", json.RawMessage(`{"whatever":true}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("unknown tool reports not found", func(t *testing.T) {
		if err := reg.Validate("ghost", nil); !errors.Is(err, ErrToolNotFound) {
			t.Fatalf("expected ErrToolNotFound, got %v", err)
		}
	})
}

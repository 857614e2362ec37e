// ABOUTME: Tests for the built-in tool handlers and their registration.

package builtins

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/2389/toolgate/internal/tools"
)

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry(nil)
	if err := Register(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listed := reg.List(nil)
	if len(listed) != 3 {
		t.Fatalf("expected 3 builtins, got %d", len(listed))
	}
	for _, d := range listed {
		if d.Category != CategoryCore {
			t.Errorf("tool %s in category %q, expected %q", d.Name, d.Category, CategoryCore)
		}
	}

	// Registering twice collides on names.
	if err := Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestEchoHandler(t *testing.T) {
	out, err := echoHandler(context.Background(), tools.Caller{}, json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"text":"hi"}` {
		t.Errorf("unexpected output %s", out)
	}
}

func TestTimeNowHandler(t *testing.T) {
	out, err := timeNowHandler(context.Background(), tools.Caller{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		Now string `json:"now"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unexpected output %s: %v", out, err)
	}
	if _, err := time.Parse(time.RFC3339, result.Now); err != nil {
		t.Errorf("time %q is not RFC 3339: %v", result.Now, err)
	}
}

func TestSessionInfoHandler(t *testing.T) {
	caller := tools.Caller{SessionID: "sess-1", Capabilities: []string{"base"}}
	out, err := sessionInfoHandler(context.Background(), caller, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result struct {
		SessionID    string   `json:"sessionId"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unexpected output %s: %v", out, err)
	}
	if result.SessionID != "sess-1" {
		t.Errorf("unexpected session id %q", result.SessionID)
	}
	if len(result.Capabilities) != 1 || result.Capabilities[0] != "base" {
		t.Errorf("unexpected capabilities %v", result.Capabilities)
	}
}

// ABOUTME: Core built-in tools: echo, time.now, and session.info.
// ABOUTME: Registered at startup by the CLI shell; no external dependencies.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/tools"
)

// CategoryCore is the category all built-in tools carry.
const CategoryCore = "core"

// Register adds the built-in tools to the registry.
func Register(reg *tools.Registry) error {
	descriptors := []*tools.Descriptor{
		{
			Name:        "echo",
			Description: "Echo the input text back to the caller",
			Category:    CategoryCore,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			Handler:     echoHandler,
		},
		{
			Name:        "time.now",
			Description: "Return the server's current time in RFC 3339 format",
			Category:    CategoryCore,
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     timeNowHandler,
		},
		{
			Name:        "session.info",
			Description: "Return the caller's session id and capabilities",
			Category:    CategoryCore,
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     sessionInfoHandler,
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("registering builtin %q: %w", d.Name, err)
		}
	}
	return nil
}

func echoHandler(_ context.Context, _ tools.Caller, input json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("decoding echo input: %w", err)
	}
	return json.Marshal(map[string]string{"text": params.Text})
}

func timeNowHandler(context.Context, tools.Caller, json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
}

func sessionInfoHandler(_ context.Context, caller tools.Caller, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"sessionId":    caller.SessionID,
		"capabilities": caller.Capabilities,
	})
}

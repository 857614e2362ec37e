// ABOUTME: Admin tools for managing access tokens at runtime.
// ABOUTME: Gated behind the admin capability; registered only with a store.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/tools"
)

// CategoryAdmin is the category the token-management tools carry.
const CategoryAdmin = "admin"

// RegisterAdmin adds token-management tools backed by the given store.
// Both require the "admin" capability, so they are invisible to ordinary
// sessions when auth is configured.
func RegisterAdmin(reg *tools.Registry, store *auth.TokenStore) error {
	descriptors := []*tools.Descriptor{
		{
			Name:                 "auth.token.create",
			Description:          "Mint an access token granting the given capabilities",
			Category:             CategoryAdmin,
			InputSchema:          json.RawMessage(`{"type":"object","properties":{"capabilities":{"type":"array","items":{"type":"string"},"minItems":1}},"required":["capabilities"]}`),
			RequiredCapabilities: []string{"admin"},
			Handler:              createTokenHandler(store),
		},
		{
			Name:                 "auth.token.revoke",
			Description:          "Revoke an access token; sessions it opened stay alive",
			Category:             CategoryAdmin,
			InputSchema:          json.RawMessage(`{"type":"object","properties":{"token":{"type":"string"}},"required":["token"]}`),
			RequiredCapabilities: []string{"admin"},
			Handler:              revokeTokenHandler(store),
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("registering builtin %q: %w", d.Name, err)
		}
	}
	return nil
}

func createTokenHandler(store *auth.TokenStore) tools.Handler {
	return func(_ context.Context, _ tools.Caller, input json.RawMessage) (json.RawMessage, error) {
		var params struct {
			Capabilities []string `json:"capabilities"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("decoding token.create input: %w", err)
		}
		token := store.CreateToken(params.Capabilities)
		return json.Marshal(map[string]any{
			"token":        token,
			"capabilities": params.Capabilities,
			"activeTokens": store.TokenCount(),
		})
	}
}

func revokeTokenHandler(store *auth.TokenStore) tools.Handler {
	return func(_ context.Context, _ tools.Caller, input json.RawMessage) (json.RawMessage, error) {
		var params struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("decoding token.revoke input: %w", err)
		}
		store.InvalidateToken(params.Token)
		return json.Marshal(map[string]any{
			"revoked":      true,
			"activeTokens": store.TokenCount(),
		})
	}
}

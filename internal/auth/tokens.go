// ABOUTME: Static token store mapping bearer tokens to capability sets.
// ABOUTME: Tokens are minted at configuration time or via the admin surface.

package auth

import (
	"sync"

	"github.com/google/uuid"
)

// TokenStore manages static access tokens and their associated capabilities.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string][]string // token -> capabilities
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string][]string)}
}

// CreateToken generates a new token granting the given capabilities.
func (s *TokenStore) CreateToken(capabilities []string) string {
	token := uuid.New().String()

	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	s.mu.Lock()
	s.tokens[token] = caps
	s.mu.Unlock()
	return token
}

// Add registers a preconfigured token with its capabilities.
func (s *TokenStore) Add(token string, capabilities []string) {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)

	s.mu.Lock()
	s.tokens[token] = caps
	s.mu.Unlock()
}

// GetCapabilities returns the capabilities for a token, or nil if not found.
func (s *TokenStore) GetCapabilities(token string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps, ok := s.tokens[token]
	if !ok {
		return nil
	}
	result := make([]string, len(caps))
	copy(result, caps)
	return result
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// TokenCount returns the number of active tokens.
func (s *TokenStore) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

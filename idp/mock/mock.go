// Package mock provides a mock implementation of the idp.Provider interface
// for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/mcp-authgate/idp"
)

// Provider is a configurable fake identity provider. Each method delegates to
// the corresponding Func field and counts its invocations.
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state, codeChallenge string) string

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, code, codeVerifier string) (*idp.Identity, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.Mutex
}

var _ idp.Provider = (*Provider)(nil)

// New creates a mock provider with working defaults: every exchange succeeds
// and yields the same test identity.
func New() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state, codeChallenge string) string {
			return fmt.Sprintf("https://idp.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=S256", state, codeChallenge)
		},
		ExchangeFunc: func(ctx context.Context, code, codeVerifier string) (*idp.Identity, error) {
			return &idp.Identity{
				Subject:       "mock-user-123",
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
	}
}

// Name returns the provider name
func (m *Provider) Name() string {
	// Lock only to update the counter and copy the function reference; the
	// user function runs without the lock so it can call other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL builds a fake authorization URL
func (m *Provider) AuthorizationURL(state, codeChallenge string) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()

	if fn == nil {
		return "https://idp.example.com/authorize?state=" + state
	}
	return fn(state, codeChallenge)
}

// Exchange runs the configured exchange function
func (m *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*idp.Identity, error) {
	m.mu.Lock()
	m.CallCounts["Exchange"]++
	fn := m.ExchangeFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("ExchangeFunc not configured")
	}
	return fn(ctx, code, codeVerifier)
}

// Calls returns how many times the named method has been invoked
func (m *Provider) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

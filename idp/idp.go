package idp

import (
	"context"
	"errors"
)

// Sentinel errors distinguishing why a code exchange failed. Callers map
// ErrUpstream and ErrIDTokenInvalid to a 502 for the client; ErrExchangeRejected
// means the IdP refused the code itself, which is the client's fault.
var (
	// ErrUpstream indicates the identity provider was unreachable or kept
	// failing transiently after the retry budget was spent.
	ErrUpstream = errors.New("identity provider unreachable")

	// ErrExchangeRejected indicates the provider definitively rejected the
	// authorization code (expired, already used, or forged).
	ErrExchangeRejected = errors.New("authorization code rejected")

	// ErrIDTokenInvalid indicates the provider's response carried a missing
	// or unverifiable ID token.
	ErrIDTokenInvalid = errors.New("id token invalid")
)

// Identity is the verified identity extracted from a provider's ID token.
type Identity struct {
	// Subject is the provider's stable unique user identifier
	Subject string

	// Email is the user's email address, if the provider released it
	Email string

	// EmailVerified indicates whether the provider verified the email
	EmailVerified bool

	// Name is the user's display name
	Name string

	// Groups lists the provider-side group memberships, used for role
	// mapping when the provider releases a "groups" claim
	Groups []string
}

// Provider is the gateway's view of an upstream OpenID Connect identity
// provider. It covers exactly the two interactions the login flow needs.
type Provider interface {
	// Name returns the provider name used in logs and metrics
	Name() string

	// AuthorizationURL builds the URL users are redirected to, carrying the
	// given CSRF state and PKCE S256 code challenge
	AuthorizationURL(state, codeChallenge string) string

	// Exchange redeems an authorization code, verifies the resulting ID
	// token, and returns the identity it asserts. The codeVerifier is the
	// PKCE verifier matching the challenge sent in AuthorizationURL.
	Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error)
}

// Package idp abstracts the upstream OpenID Connect identity provider.
//
// The gateway delegates all user authentication to a single configured
// provider: it never sees passwords, only authorization codes and signed ID
// tokens. OIDCProvider works with any spec-compliant provider via issuer
// discovery, enforces PKCE (S256) on every authorization, and verifies ID
// token signatures against the provider's published keys.
//
// Token-endpoint calls are bounded by a per-call timeout and retried at most
// once on transient failure, so a slow or flapping provider delays a login
// but never wedges the gateway.
package idp

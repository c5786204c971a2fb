package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	// DefaultExchangeTimeout bounds a single token-endpoint call
	DefaultExchangeTimeout = 5 * time.Second

	// retryBackoff is the pause before the single retry of a transiently
	// failed exchange
	retryBackoff = 100 * time.Millisecond
)

// Config holds configuration for an OIDC identity provider.
type Config struct {
	// Issuer is the provider's issuer URL (required), used for endpoint
	// discovery via /.well-known/openid-configuration
	Issuer string

	// ClientID is the OAuth client ID registered with the provider (required)
	ClientID string

	// ClientSecret is the OAuth client secret (required)
	ClientSecret string

	// RedirectURL is the gateway's callback URL (required)
	RedirectURL string

	// Scopes requested during authorization (default: openid, email, profile)
	Scopes []string

	// Timeout bounds each token-endpoint call (default 5s). The exchange
	// makes at most two calls, so the worst case is roughly twice this.
	Timeout time.Duration

	// HTTPClient is the optional custom HTTP client used for discovery,
	// token exchange, and key fetching
	HTTPClient *http.Client

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// OIDCProvider talks to any spec-compliant OpenID Connect provider. Endpoints
// and signing keys come from issuer discovery; ID tokens are verified against
// the provider's published JWKS.
type OIDCProvider struct {
	name       string
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

var _ Provider = (*OIDCProvider)(nil)

// New creates an OIDC provider by running issuer discovery. The context
// bounds the discovery request only; it is not retained.
func New(ctx context.Context, cfg Config) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed for %s: %w", cfg.Issuer, err)
	}

	return &OIDCProvider{
		name: "oidc",
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     provider.Endpoint(),
		},
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Name returns the provider name
func (p *OIDCProvider) Name() string {
	return p.name
}

// AuthorizationURL builds the provider's authorization URL with the given
// state and PKCE S256 code challenge
func (p *OIDCProvider) AuthorizationURL(state, codeChallenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems an authorization code at the provider's token endpoint and
// verifies the ID token in the response.
//
// Each token-endpoint call is bounded by the configured timeout. A transient
// failure (network error, timeout, or 5xx from the provider) is retried
// exactly once after a short backoff; a definitive rejection is not.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	attempt := func() (*oauth2.Token, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.oauth.Exchange(callCtx, code,
			oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}

	token, err := attempt()
	if err != nil && isTransient(err) && ctx.Err() == nil {
		p.logger.Warn("Token exchange failed transiently, retrying once", "error", err)

		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
		}
		token, err = attempt()
	}
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrExchangeRejected, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", ErrIDTokenInvalid)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenInvalid, err)
	}

	var claims struct {
		Email         string   `json:"email"`
		EmailVerified bool     `json:"email_verified"`
		Name          string   `json:"name"`
		Groups        []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to extract claims: %v", ErrIDTokenInvalid, err)
	}
	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrIDTokenInvalid)
	}

	return &Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Groups:        claims.Groups,
	}, nil
}

// isTransient reports whether an exchange error is worth one retry. Provider
// 5xx responses, rate limiting, and network-level failures are transient; a
// 4xx from the token endpoint is a definitive rejection of the code.
func isTransient(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response == nil {
			return true
		}
		code := retrieveErr.Response.StatusCode
		return code >= 500 || code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

package authgate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authgate/idp"
	"github.com/giantswarm/mcp-authgate/instrumentation"
	"github.com/giantswarm/mcp-authgate/internal/util"
	"github.com/giantswarm/mcp-authgate/security"
	"github.com/giantswarm/mcp-authgate/storage"
	"github.com/giantswarm/mcp-authgate/token"
)

const stateLength = 32 // bytes of entropy per login state

// Gateway implements the authentication and authorization logic in front of
// the protected operation handlers. It coordinates the login flow with the
// identity provider, issues and rotates local tokens, and answers the
// admission questions the middleware chain asks: who is this, may they call
// this operation, and have they exceeded their rate.
type Gateway struct {
	provider idp.Provider
	tokens   *token.Service
	store    storage.SessionStore
	roles    RoleTable
	auditor  *security.Auditor

	// Authenticated callers are limited per user ID, anonymous callers per
	// client IP, each with their own bucket table.
	userLimiter *security.RateLimiter
	ipLimiter   *security.RateLimiter

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	config          *Config
}

// New creates a gateway. The role table maps operation names to the minimum
// role required; operations absent from it require RoleAdmin.
func New(config *Config, provider idp.Provider, store storage.SessionStore, roles RoleTable) (*Gateway, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tokens, err := token.NewService(token.Config{
		SigningKey:      config.Token.SigningKey,
		PreviousKeys:    config.Token.PreviousKeys,
		Issuer:          config.Token.Issuer,
		Audience:        config.Token.Audience,
		AccessTokenTTL:  config.Token.AccessTokenTTL,
		RefreshTokenTTL: config.Token.RefreshTokenTTL,
		DisableRotation: config.Security.DisableRefreshTokenRotation,
		Logger:          config.Logger,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	anonCapacity := config.RateLimit.AnonCapacity
	if anonCapacity <= 0 {
		anonCapacity = config.RateLimit.Capacity
	}
	anonRefill := config.RateLimit.AnonRefillRate
	if anonRefill <= 0 {
		anonRefill = config.RateLimit.RefillRate
	}

	return &Gateway{
		provider:    provider,
		tokens:      tokens,
		store:       store,
		roles:       roles,
		auditor:     security.NewAuditor(config.Logger, config.Security.EnableAuditLogging),
		userLimiter: security.NewRateLimiter(config.RateLimit.RefillRate, config.RateLimit.Capacity, config.Logger),
		ipLimiter:   security.NewRateLimiter(anonRefill, anonCapacity, config.Logger),
		logger:      config.Logger,
		config:      config,
	}, nil
}

// SetInstrumentation wires OpenTelemetry instrumentation into the gateway and
// its rate limiters.
func (g *Gateway) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.instrumentation = inst
	if inst == nil {
		return
	}

	if err := inst.RegisterRateLimiterGauge(func() int64 {
		return g.userLimiter.Size() + g.ipLimiter.Size()
	}); err != nil {
		g.logger.Warn("Failed to register rate limiter gauge", "error", err)
	}

	type instrumentable interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := g.store.(instrumentable); ok {
		setter.SetInstrumentation(inst)
	}
}

// Config returns the gateway configuration
func (g *Gateway) Config() *Config {
	return g.config
}

// Close stops the gateway's background goroutines. The session store is
// closed by whoever created it.
func (g *Gateway) Close() error {
	g.userLimiter.Stop()
	g.ipLimiter.Stop()
	return nil
}

// metrics returns the metrics sink, or nil when instrumentation is off
func (g *Gateway) metrics() *instrumentation.Metrics {
	if g.instrumentation == nil {
		return nil
	}
	return g.instrumentation.Metrics()
}

// ============================================================
// Login Flow
// ============================================================

// InitiateLogin starts a login: it generates the CSRF state and PKCE pair,
// persists them for the callback, and returns the IdP URL to redirect the
// user to. redirectTarget is an optional relative path to send the user back
// to after the flow completes.
func (g *Gateway) InitiateLogin(ctx context.Context, redirectTarget string) (string, error) {
	state, err := generateState()
	if err != nil {
		return "", ErrServerError("failed to generate state")
	}

	// The verifier stays server-side; only its S256 challenge travels to
	// the IdP.
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	now := time.Now()
	if err := g.store.SaveState(ctx, &storage.OAuthState{
		State:          state,
		CodeVerifier:   verifier,
		CodeChallenge:  challenge,
		RedirectTarget: redirectTarget,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.config.StateTTL),
	}); err != nil {
		g.logger.Error("Failed to save login state", "error", err)
		return "", ErrServerError("failed to persist login state")
	}

	if m := g.metrics(); m != nil {
		m.RecordLoginStarted(ctx)
	}
	g.logger.Info("Login initiated",
		"state", util.SafeTruncate(state, 8),
		"provider", g.provider.Name())

	return g.provider.AuthorizationURL(state, challenge), nil
}

// HandleCallback completes a login: it consumes the state exactly once,
// redeems the authorization code at the IdP with the matching PKCE verifier,
// maps the verified identity to a role, and issues a local token pair.
func (g *Gateway) HandleCallback(ctx context.Context, state, code, clientIP string) (*Session, error) {
	if state == "" || code == "" {
		return nil, ErrInvalidRequest("state and code parameters are required")
	}

	entry, err := g.store.ConsumeState(ctx, state)
	if err != nil {
		return nil, g.callbackStateError(ctx, err, state, clientIP)
	}

	start := time.Now()
	upstream, err := g.provider.Exchange(ctx, code, entry.CodeVerifier)
	if m := g.metrics(); m != nil {
		m.RecordIdPCall(ctx, "exchange", float64(time.Since(start).Milliseconds()), err)
	}
	if err != nil {
		return nil, g.callbackExchangeError(ctx, err, clientIP)
	}

	identity := Identity{
		UserID: upstream.Subject,
		Email:  upstream.Email,
		Role:   g.mapRole(upstream),
	}

	pair, err := g.tokens.Issue(ctx, identity.UserID, identity.Email, string(identity.Role))
	if err != nil {
		g.logger.Error("Failed to issue tokens after callback", "error", err)
		if m := g.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, false)
		}
		return nil, ErrServerError("failed to issue tokens")
	}

	if m := g.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, true)
		m.RecordTokenIssued(ctx, "login")
	}
	g.auditor.LogTokenIssued(identity.UserID, clientIP, "login")
	g.logger.Info("Login completed",
		"user_id", identity.UserID,
		"role", identity.Role)

	return &Session{
		Identity:       identity,
		Tokens:         toTokenPair(pair),
		RedirectTarget: entry.RedirectTarget,
	}, nil
}

func (g *Gateway) callbackStateError(ctx context.Context, err error, state, clientIP string) error {
	switch {
	case errors.Is(err, storage.ErrStateExpired):
		g.logger.Warn("Callback with expired state", "state", util.SafeTruncate(state, 8))
		if m := g.metrics(); m != nil {
			m.RecordCallbackProcessed(ctx, false)
		}
		return ErrExpiredState("login took too long, please retry")
	case errors.Is(err, storage.ErrStateNotFound):
		// Unknown state is either CSRF or a replayed callback; both get the
		// same opaque answer.
		g.auditor.LogStateReplay(clientIP, util.SafeTruncate(state, 8))
		if m := g.metrics(); m != nil {
			m.RecordStateReplayDetected(ctx)
			m.RecordCallbackProcessed(ctx, false)
		}
		return ErrInvalidState("unknown or already used state")
	default:
		g.logger.Error("State lookup failed", "error", err)
		return ErrServerError("state lookup failed")
	}
}

func (g *Gateway) callbackExchangeError(ctx context.Context, err error, clientIP string) error {
	if m := g.metrics(); m != nil {
		m.RecordCallbackProcessed(ctx, false)
	}

	switch {
	case errors.Is(err, idp.ErrUpstream):
		g.logger.Error("Identity provider unreachable", "error", err)
		return ErrUpstreamUnreachable("identity provider unreachable")
	case errors.Is(err, idp.ErrIDTokenInvalid):
		g.logger.Error("ID token validation failed", "error", err)
		return ErrIDTokenInvalid("identity token validation failed")
	case errors.Is(err, idp.ErrExchangeRejected):
		g.auditor.LogAuthFailure("", clientIP, "authorization_code_rejected")
		return ErrInvalidRequest("authorization code rejected")
	default:
		g.logger.Error("Code exchange failed", "error", err)
		return ErrServerError("code exchange failed")
	}
}

// mapRole derives the local role from the IdP identity. Membership in any
// configured admin group grants RoleAdmin; everyone else who authenticated
// is RoleUser.
func (g *Gateway) mapRole(identity *idp.Identity) Role {
	for _, group := range identity.Groups {
		for _, admin := range g.config.IdP.AdminGroups {
			if group == admin {
				return RoleAdmin
			}
		}
	}
	return RoleUser
}

// ============================================================
// Token Operations
// ============================================================

// Refresh exchanges a refresh token for a new pair. Reuse of an already
// rotated token is treated as possible theft: it is logged, counted, and
// rejected, and the legitimate holder keeps only the tokens from the first
// use.
func (g *Gateway) Refresh(ctx context.Context, refreshToken, clientIP string) (*TokenPair, error) {
	pair, err := g.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrRefreshInvalid):
			g.auditor.LogTokenReuse("", clientIP)
			if m := g.metrics(); m != nil {
				m.RecordTokenReuseDetected(ctx)
			}
			return nil, ErrInvalidRefreshToken("refresh token is invalid")
		case errors.Is(err, token.ErrRefreshExpired):
			return nil, ErrInvalidRefreshToken("refresh token has expired")
		default:
			g.logger.Error("Refresh failed", "error", err)
			return nil, ErrServerError("refresh failed")
		}
	}

	if m := g.metrics(); m != nil {
		m.RecordTokenRefresh(ctx)
		m.RecordTokenIssued(ctx, "refresh")
	}
	g.auditor.LogTokenRefreshed("", clientIP)

	result := toTokenPair(pair)
	return &result, nil
}

// Logout revokes the presented refresh token along with every other active
// refresh token of the same user. Logging out with an unknown token succeeds:
// the desired end state already holds.
func (g *Gateway) Logout(ctx context.Context, refreshToken, clientIP string) error {
	revoked, err := g.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrRefreshInvalid) {
			return ErrInvalidRequest("refresh_token is required")
		}
		g.logger.Error("Logout failed", "error", err)
		return ErrServerError("logout failed")
	}

	if revoked > 0 {
		if m := g.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, int64(revoked))
		}
		g.auditor.LogTokenRevoked("", clientIP, revoked)
	}
	return nil
}

// ============================================================
// Admission Checks (used by the middleware chain)
// ============================================================

// Authenticate verifies a bearer token and returns the identity it carries.
// Expired and otherwise invalid tokens yield distinct error codes so clients
// know whether refreshing can help.
func (g *Gateway) Authenticate(accessToken string) (Identity, error) {
	claims, err := g.tokens.Verify(accessToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return Anonymous, ErrExpiredToken("access token has expired")
		}
		return Anonymous, ErrInvalidToken("access token is invalid")
	}

	role := Role(claims.Role)
	if !role.Valid() {
		// A verified signature with an unknown role claim means the token
		// was minted with a bug or a rogue key; reject it outright.
		return Anonymous, ErrInvalidToken("access token carries unknown role")
	}

	return Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   role,
	}, nil
}

// Authorize checks that the identity's role meets the operation's minimum.
func (g *Gateway) Authorize(ctx context.Context, identity Identity, operation, clientIP string) error {
	if g.roles.Allows(operation, identity.Role) {
		return nil
	}

	if m := g.metrics(); m != nil {
		m.RecordRoleCheckRejected(ctx, operation)
	}
	g.auditor.LogRoleRejected(identity.UserID, clientIP, operation, string(identity.Role))
	return ErrInsufficientRole(fmt.Sprintf("operation %s requires role %s", operation, g.roles.MinRole(operation)))
}

// Admit applies rate limiting. Authenticated callers consume from a per-user
// bucket, anonymous callers from a per-IP bucket. The check is synchronous
// and never waits for refill.
func (g *Gateway) Admit(ctx context.Context, identity Identity, clientIP string) error {
	var allowed bool
	var limiterType string
	if identity.UserID != "" {
		allowed = g.userLimiter.Allow(identity.UserID)
		limiterType = "user"
	} else {
		allowed = g.ipLimiter.Allow(clientIP)
		limiterType = "ip"
	}
	if allowed {
		return nil
	}

	if m := g.metrics(); m != nil {
		m.RecordRateLimitExceeded(ctx, limiterType)
	}
	g.auditor.LogRateLimitExceeded(clientIP, identity.UserID)
	return ErrRateLimitExceeded("rate limit exceeded, please try again later")
}

func toTokenPair(pair *token.Pair) TokenPair {
	return TokenPair{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}
}

// generateState returns a cryptographically random URL-safe state value
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

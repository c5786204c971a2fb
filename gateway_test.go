package authgate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authgate/idp"
	idpmock "github.com/giantswarm/mcp-authgate/idp/mock"
	"github.com/giantswarm/mcp-authgate/storage"
	"github.com/giantswarm/mcp-authgate/storage/memory"
)

func testRoleTable() RoleTable {
	return RoleTable{
		"tools.list":   RoleUser,
		"tools.call":   RoleUser,
		"tools.status": RoleAnonymous,
		"admin.config": RoleAdmin,
	}
}

// newTestGateway builds a gateway against the mock provider and an in-memory
// store. The mutate callback can adjust the config before construction.
func newTestGateway(t *testing.T, mutate func(*Config)) (*Gateway, *idpmock.Provider) {
	t.Helper()

	cfg := &Config{
		IdP: IdPConfig{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			RedirectURI:  "https://gateway.example.com/auth/callback",
			Issuer:       "https://idp.example.com",
			AdminGroups:  []string{"platform-admins"},
		},
		Token: TokenConfig{
			SigningKey: []byte("0123456789abcdef0123456789abcdef"),
			Issuer:     "test-gateway",
			Audience:   "test-gateway",
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(cfg)
	}

	provider := idpmock.New()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })

	gw, err := New(cfg, provider, store, testRoleTable())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	return gw, provider
}

// completeLogin runs the full login flow against the mock provider and
// returns the issued session.
func completeLogin(t *testing.T, gw *Gateway, provider *idpmock.Provider) *Session {
	t.Helper()
	ctx := context.Background()

	var capturedState string
	provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
		capturedState = state
		return "https://idp.example.com/authorize?state=" + state
	}

	if _, err := gw.InitiateLogin(ctx, ""); err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	session, err := gw.HandleCallback(ctx, capturedState, "auth-code", "203.0.113.1")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	return session
}

func TestNew_Validation(t *testing.T) {
	cfg := validConfig()
	provider := idpmock.New()
	store := memory.New()
	defer store.Close()

	if _, err := New(nil, provider, store, testRoleTable()); err == nil {
		t.Error("New() should fail without config")
	}
	if _, err := New(cfg, nil, store, testRoleTable()); err == nil {
		t.Error("New() should fail without provider")
	}
	if _, err := New(cfg, provider, nil, testRoleTable()); err == nil {
		t.Error("New() should fail without store")
	}

	bad := validConfig()
	bad.Token.SigningKey = []byte("short")
	if _, err := New(bad, provider, store, testRoleTable()); err == nil {
		t.Error("New() should fail with invalid config")
	}
}

func TestInitiateLogin(t *testing.T) {
	gw, provider := newTestGateway(t, nil)

	var gotState, gotChallenge string
	provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
		gotState = state
		gotChallenge = codeChallenge
		return "https://idp.example.com/authorize?state=" + state
	}

	url, err := gw.InitiateLogin(context.Background(), "/dashboard")
	if err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	if !strings.Contains(url, gotState) {
		t.Errorf("authorization URL %q should carry the state", url)
	}
	if gotState == "" {
		t.Error("state should not be empty")
	}
	if gotChallenge == "" {
		t.Error("code challenge should not be empty")
	}
	if gotChallenge == gotState {
		t.Error("challenge and state must be independent values")
	}
}

func TestInitiateLogin_UniqueStates(t *testing.T) {
	gw, provider := newTestGateway(t, nil)

	states := make(map[string]bool)
	provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
		states[state] = true
		return "https://idp.example.com/authorize"
	}

	for i := 0; i < 10; i++ {
		if _, err := gw.InitiateLogin(context.Background(), ""); err != nil {
			t.Fatalf("InitiateLogin() error = %v", err)
		}
	}

	if len(states) != 10 {
		t.Errorf("got %d unique states for 10 logins, want 10", len(states))
	}
}

func TestHandleCallback_Success(t *testing.T) {
	gw, provider := newTestGateway(t, nil)

	session := completeLogin(t, gw, provider)

	if session.Identity.UserID != "mock-user-123" {
		t.Errorf("UserID = %q, want %q", session.Identity.UserID, "mock-user-123")
	}
	if session.Identity.Role != RoleUser {
		t.Errorf("Role = %q, want %q", session.Identity.Role, RoleUser)
	}
	if session.Tokens.AccessToken == "" || session.Tokens.RefreshToken == "" {
		t.Error("session should carry a full token pair")
	}
	if session.Tokens.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", session.Tokens.TokenType)
	}

	// The issued access token authenticates
	identity, err := gw.Authenticate(session.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.UserID != "mock-user-123" {
		t.Errorf("authenticated UserID = %q, want %q", identity.UserID, "mock-user-123")
	}
}

func TestHandleCallback_AdminGroupMapping(t *testing.T) {
	gw, provider := newTestGateway(t, nil)

	provider.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*idp.Identity, error) {
		return &idp.Identity{
			Subject: "admin-user",
			Email:   "admin@example.com",
			Groups:  []string{"engineering", "platform-admins"},
		}, nil
	}

	session := completeLogin(t, gw, provider)
	if session.Identity.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q for admin group member", session.Identity.Role, RoleAdmin)
	}
}

func TestHandleCallback_MissingParameters(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	ctx := context.Background()

	for _, tc := range []struct{ state, code string }{
		{"", "code"},
		{"state", ""},
		{"", ""},
	} {
		_, err := gw.HandleCallback(ctx, tc.state, tc.code, "203.0.113.1")
		authErr := AsAuthError(err)
		if authErr.Code != ErrorCodeInvalidRequest {
			t.Errorf("HandleCallback(%q, %q) code = %q, want %q", tc.state, tc.code, authErr.Code, ErrorCodeInvalidRequest)
		}
	}
}

func TestHandleCallback_StateReplay(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	ctx := context.Background()

	var capturedState string
	provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
		capturedState = state
		return "https://idp.example.com/authorize"
	}
	if _, err := gw.InitiateLogin(ctx, ""); err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}

	if _, err := gw.HandleCallback(ctx, capturedState, "code", "203.0.113.1"); err != nil {
		t.Fatalf("first HandleCallback() error = %v", err)
	}

	// Replaying the same state must fail with invalid_state
	_, err := gw.HandleCallback(ctx, capturedState, "code", "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeInvalidState {
		t.Errorf("replayed callback code = %q, want %q", authErr.Code, ErrorCodeInvalidState)
	}
}

func TestHandleCallback_UnknownState(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	_, err := gw.HandleCallback(context.Background(), "never-issued", "code", "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeInvalidState {
		t.Errorf("unknown state code = %q, want %q", authErr.Code, ErrorCodeInvalidState)
	}
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	ctx := context.Background()

	// Plant a state whose TTL elapsed well beyond the clock skew grace
	now := time.Now()
	err := gw.store.SaveState(ctx, &storage.OAuthState{
		State:        "stale-state",
		CodeVerifier: "verifier",
		CreatedAt:    now.Add(-time.Hour),
		ExpiresAt:    now.Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	_, err = gw.HandleCallback(ctx, "stale-state", "code", "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeExpiredState {
		t.Errorf("expired state code = %q, want %q", authErr.Code, ErrorCodeExpiredState)
	}
}

func TestHandleCallback_ExchangeErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "upstream unreachable",
			err:      fmt.Errorf("%w: request timed out", idp.ErrUpstream),
			wantCode: ErrorCodeUpstreamUnreachable,
		},
		{
			name:     "id token invalid",
			err:      fmt.Errorf("%w: audience mismatch", idp.ErrIDTokenInvalid),
			wantCode: ErrorCodeIDTokenInvalid,
		},
		{
			name:     "code rejected",
			err:      fmt.Errorf("%w: invalid_grant", idp.ErrExchangeRejected),
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, provider := newTestGateway(t, nil)
			ctx := context.Background()

			var capturedState string
			provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
				capturedState = state
				return "https://idp.example.com/authorize"
			}
			provider.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*idp.Identity, error) {
				return nil, tt.err
			}

			if _, err := gw.InitiateLogin(ctx, ""); err != nil {
				t.Fatalf("InitiateLogin() error = %v", err)
			}

			_, err := gw.HandleCallback(ctx, capturedState, "code", "203.0.113.1")
			authErr := AsAuthError(err)
			if authErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", authErr.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleCallback_VerifierForwarded(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	ctx := context.Background()

	var capturedState, capturedChallenge, receivedVerifier string
	provider.AuthorizationURLFunc = func(state, codeChallenge string) string {
		capturedState = state
		capturedChallenge = codeChallenge
		return "https://idp.example.com/authorize"
	}
	provider.ExchangeFunc = func(ctx context.Context, code, codeVerifier string) (*idp.Identity, error) {
		receivedVerifier = codeVerifier
		return &idp.Identity{Subject: "user-1"}, nil
	}

	if _, err := gw.InitiateLogin(ctx, ""); err != nil {
		t.Fatalf("InitiateLogin() error = %v", err)
	}
	if _, err := gw.HandleCallback(ctx, capturedState, "code", "203.0.113.1"); err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if receivedVerifier == "" {
		t.Fatal("exchange should receive the stored PKCE verifier")
	}
	if receivedVerifier == capturedChallenge {
		t.Error("exchange must receive the verifier, not the challenge")
	}
}

func TestRefresh_RotatesTokens(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	session := completeLogin(t, gw, provider)

	pair, err := gw.Refresh(context.Background(), session.Tokens.RefreshToken, "203.0.113.1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if pair.RefreshToken == session.Tokens.RefreshToken {
		t.Error("refresh must rotate the refresh token")
	}
	if pair.AccessToken == session.Tokens.AccessToken {
		t.Error("refresh must mint a new access token")
	}

	// New access token carries the same identity
	identity, err := gw.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.UserID != session.Identity.UserID {
		t.Errorf("UserID = %q, want %q", identity.UserID, session.Identity.UserID)
	}
}

func TestRefresh_ReuseRejected(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	session := completeLogin(t, gw, provider)
	ctx := context.Background()

	if _, err := gw.Refresh(ctx, session.Tokens.RefreshToken, "203.0.113.1"); err != nil {
		t.Fatalf("first Refresh() error = %v", err)
	}

	// Presenting the rotated-out token again is treated as theft
	_, err := gw.Refresh(ctx, session.Tokens.RefreshToken, "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeInvalidRefreshToken {
		t.Errorf("reuse code = %q, want %q", authErr.Code, ErrorCodeInvalidRefreshToken)
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	session := completeLogin(t, gw, provider)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gw.Refresh(ctx, session.Tokens.RefreshToken, "203.0.113.1"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("concurrent Refresh() winners = %d, want exactly 1", winners)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	_, err := gw.Refresh(context.Background(), "never-issued-token", "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeInvalidRefreshToken {
		t.Errorf("code = %q, want %q", authErr.Code, ErrorCodeInvalidRefreshToken)
	}
}

func TestLogout_RevokesRefreshToken(t *testing.T) {
	gw, provider := newTestGateway(t, nil)
	session := completeLogin(t, gw, provider)
	ctx := context.Background()

	if err := gw.Logout(ctx, session.Tokens.RefreshToken, "203.0.113.1"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	// The revoked refresh token is dead
	_, err := gw.Refresh(ctx, session.Tokens.RefreshToken, "203.0.113.1")
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeInvalidRefreshToken {
		t.Errorf("post-logout refresh code = %q, want %q", authErr.Code, ErrorCodeInvalidRefreshToken)
	}
}

func TestLogout_UnknownTokenSucceeds(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	if err := gw.Logout(context.Background(), "never-issued-token", "203.0.113.1"); err != nil {
		t.Errorf("Logout() with unknown token error = %v, want nil", err)
	}
}

func TestAuthenticate_InvalidTokens(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"empty", ""},
		{"wrong structure", "a.b.c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Authenticate(tt.token)
			authErr := AsAuthError(err)
			if authErr.Code != ErrorCodeInvalidToken {
				t.Errorf("code = %q, want %q", authErr.Code, ErrorCodeInvalidToken)
			}
		})
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	gw, provider := newTestGateway(t, func(c *Config) {
		c.Token.AccessTokenTTL = time.Nanosecond
	})
	session := completeLogin(t, gw, provider)

	time.Sleep(10 * time.Millisecond)

	_, err := gw.Authenticate(session.Tokens.AccessToken)
	authErr := AsAuthError(err)
	if authErr.Code != ErrorCodeExpiredToken {
		t.Errorf("code = %q, want %q", authErr.Code, ErrorCodeExpiredToken)
	}
}

func TestAuthorize(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	ctx := context.Background()

	user := Identity{UserID: "user-1", Role: RoleUser}
	admin := Identity{UserID: "admin-1", Role: RoleAdmin}

	if err := gw.Authorize(ctx, user, "tools.list", "203.0.113.1"); err != nil {
		t.Errorf("user on tools.list error = %v, want nil", err)
	}
	if err := gw.Authorize(ctx, Anonymous, "tools.status", "203.0.113.1"); err != nil {
		t.Errorf("anonymous on tools.status error = %v, want nil", err)
	}

	err := gw.Authorize(ctx, user, "admin.config", "203.0.113.1")
	if AsAuthError(err).Code != ErrorCodeInsufficientRole {
		t.Errorf("user on admin.config code = %q, want %q", AsAuthError(err).Code, ErrorCodeInsufficientRole)
	}

	err = gw.Authorize(ctx, Anonymous, "tools.list", "203.0.113.1")
	if AsAuthError(err).Code != ErrorCodeInsufficientRole {
		t.Errorf("anonymous on tools.list code = %q, want %q", AsAuthError(err).Code, ErrorCodeInsufficientRole)
	}

	// Unlisted operations require admin
	if err := gw.Authorize(ctx, admin, "unlisted.op", "203.0.113.1"); err != nil {
		t.Errorf("admin on unlisted op error = %v, want nil", err)
	}
	err = gw.Authorize(ctx, user, "unlisted.op", "203.0.113.1")
	if AsAuthError(err).Code != ErrorCodeInsufficientRole {
		t.Errorf("user on unlisted op code = %q, want %q", AsAuthError(err).Code, ErrorCodeInsufficientRole)
	}
}

func TestAdmit_DepletesBucket(t *testing.T) {
	gw, _ := newTestGateway(t, func(c *Config) {
		c.RateLimit.Capacity = 3
		c.RateLimit.RefillRate = 0
	})
	ctx := context.Background()
	user := Identity{UserID: "user-1", Role: RoleUser}

	for i := 0; i < 3; i++ {
		if err := gw.Admit(ctx, user, "203.0.113.1"); err != nil {
			t.Fatalf("Admit() %d error = %v", i+1, err)
		}
	}

	err := gw.Admit(ctx, user, "203.0.113.1")
	if AsAuthError(err).Code != ErrorCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", AsAuthError(err).Code, ErrorCodeRateLimitExceeded)
	}
}

func TestAdmit_SeparateBucketsPerIdentity(t *testing.T) {
	gw, _ := newTestGateway(t, func(c *Config) {
		c.RateLimit.Capacity = 1
		c.RateLimit.RefillRate = 0
	})
	ctx := context.Background()

	// Deplete user-1's bucket; user-2 and anonymous keep theirs
	userA := Identity{UserID: "user-1", Role: RoleUser}
	userB := Identity{UserID: "user-2", Role: RoleUser}

	if err := gw.Admit(ctx, userA, "203.0.113.1"); err != nil {
		t.Fatalf("Admit(userA) error = %v", err)
	}
	if err := gw.Admit(ctx, userA, "203.0.113.1"); err == nil {
		t.Error("second Admit(userA) should be rejected")
	}

	if err := gw.Admit(ctx, userB, "203.0.113.1"); err != nil {
		t.Errorf("Admit(userB) error = %v, want nil", err)
	}
	if err := gw.Admit(ctx, Anonymous, "203.0.113.9"); err != nil {
		t.Errorf("Admit(anonymous) error = %v, want nil", err)
	}
}

func TestAdmit_AnonymousKeyedByIP(t *testing.T) {
	gw, _ := newTestGateway(t, func(c *Config) {
		c.RateLimit.Capacity = 1
		c.RateLimit.RefillRate = 0
	})
	ctx := context.Background()

	if err := gw.Admit(ctx, Anonymous, "203.0.113.1"); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := gw.Admit(ctx, Anonymous, "203.0.113.1"); err == nil {
		t.Error("same IP should be rejected after capacity is spent")
	}
	if err := gw.Admit(ctx, Anonymous, "203.0.113.2"); err != nil {
		t.Errorf("different IP error = %v, want nil", err)
	}
}

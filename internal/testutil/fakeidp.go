package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// FakeIdP is an in-process OpenID Connect provider for tests. It serves
// issuer discovery, a token endpoint, and a JWKS endpoint, and signs real
// RS256 ID tokens, so the code under test runs its full verification path.
type FakeIdP struct {
	Server *httptest.Server

	// Subject, Email, Name, and Groups shape the identity asserted by
	// issued ID tokens
	Subject string
	Email   string
	Name    string
	Groups  []string

	// ExpectedCode, when set, makes the token endpoint reject any other
	// authorization code with invalid_grant
	ExpectedCode string

	// FailTokenTimes makes the next N token requests fail with a 503
	FailTokenTimes int

	// TokenDelay stalls each token response, for exercising timeouts
	TokenDelay time.Duration

	// OmitIDToken drops the id_token from the token response
	OmitIDToken bool

	// IDTokenAudience overrides the aud claim (default: the requesting
	// client_id), for exercising verification failures
	IDTokenAudience string

	mu            sync.Mutex
	key           *rsa.PrivateKey
	tokenRequests int
	lastVerifier  string
}

// NewFakeIdP starts a fake provider. Callers must Close it.
func NewFakeIdP() (*FakeIdP, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	f := &FakeIdP{
		Subject: "fake-user-123",
		Email:   "fake@example.com",
		Name:    "Fake User",
		key:     key,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/keys", f.handleKeys)
	f.Server = httptest.NewServer(mux)

	return f, nil
}

// Close shuts down the fake provider
func (f *FakeIdP) Close() {
	f.Server.Close()
}

// Issuer returns the issuer URL of the fake provider
func (f *FakeIdP) Issuer() string {
	return f.Server.URL
}

// TokenRequests returns how many token-endpoint calls have been made
func (f *FakeIdP) TokenRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenRequests
}

// LastCodeVerifier returns the PKCE code_verifier from the most recent token
// request
func (f *FakeIdP) LastCodeVerifier() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastVerifier
}

func (f *FakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                f.Server.URL,
		"authorization_endpoint":                f.Server.URL + "/auth",
		"token_endpoint":                        f.Server.URL + "/token",
		"jwks_uri":                              f.Server.URL + "/keys",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
	}

	f.mu.Lock()
	f.tokenRequests++
	f.lastVerifier = r.PostFormValue("code_verifier")
	shouldFail := f.FailTokenTimes > 0
	if shouldFail {
		f.FailTokenTimes--
	}
	delay := f.TokenDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldFail {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if f.ExpectedCode != "" && r.PostFormValue("code") != f.ExpectedCode {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token": "fake-upstream-access-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !f.OmitIDToken {
		idToken, err := f.signIDToken(clientID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = idToken
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *FakeIdP) signIDToken(clientID string) (string, error) {
	aud := f.IDTokenAudience
	if aud == "" {
		aud = clientID
	}

	now := time.Now()
	claims := jwtlib.MapClaims{
		"iss":            f.Server.URL,
		"sub":            f.Subject,
		"aud":            aud,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          f.Email,
		"email_verified": true,
		"name":           f.Name,
	}
	if len(f.Groups) > 0 {
		claims["groups"] = f.Groups
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	token.Header["kid"] = "fake-idp-key"
	return token.SignedString(f.key)
}

func (f *FakeIdP) handleKeys(w http.ResponseWriter, r *http.Request) {
	pub := &f.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": "fake-idp-key",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

package authgate

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		IdP: IdPConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURI:  "https://gateway.example.com/auth/callback",
			Issuer:       "https://idp.example.com",
		},
		Token: TokenConfig{
			SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing client ID",
			mutate:  func(c *Config) { c.IdP.ClientID = "" },
			wantErr: "client ID",
		},
		{
			name:    "missing client secret",
			mutate:  func(c *Config) { c.IdP.ClientSecret = "" },
			wantErr: "client secret",
		},
		{
			name:    "missing redirect URI",
			mutate:  func(c *Config) { c.IdP.RedirectURI = "" },
			wantErr: "redirect URI",
		},
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.IdP.Issuer = "" },
			wantErr: "issuer",
		},
		{
			name:    "signing key too short",
			mutate:  func(c *Config) { c.Token.SigningKey = []byte("short") },
			wantErr: "signing key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.applyDefaults()

	if cfg.StateTTL != DefaultStateTTL {
		t.Errorf("StateTTL = %v, want %v", cfg.StateTTL, DefaultStateTTL)
	}
	if cfg.Token.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v, want %v", cfg.Token.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if cfg.Token.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v, want %v", cfg.Token.RefreshTokenTTL, DefaultRefreshTokenTTL)
	}
	if cfg.IdP.Timeout != DefaultIdPTimeout {
		t.Errorf("IdP.Timeout = %v, want %v", cfg.IdP.Timeout, DefaultIdPTimeout)
	}
	if len(cfg.IdP.Scopes) == 0 || cfg.IdP.Scopes[0] != "openid" {
		t.Errorf("Scopes = %v, want openid first", cfg.IdP.Scopes)
	}
	if cfg.RateLimit.Capacity != DefaultRateCapacity {
		t.Errorf("RateLimit.Capacity = %d, want %d", cfg.RateLimit.Capacity, DefaultRateCapacity)
	}
	if cfg.RateLimit.RefillRate != DefaultRateRefill {
		t.Errorf("RateLimit.RefillRate = %v, want %v", cfg.RateLimit.RefillRate, float64(DefaultRateRefill))
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
}

func TestConfig_ApplyDefaults_ZeroRefillPreserved(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.Capacity = 100
	cfg.RateLimit.RefillRate = 0
	cfg.applyDefaults()

	// An explicit capacity with refill rate 0 is a bucket that never
	// refills, not an unset value.
	if cfg.RateLimit.RefillRate != 0 {
		t.Errorf("RefillRate = %v, want 0 preserved", cfg.RateLimit.RefillRate)
	}
	if cfg.RateLimit.Capacity != 100 {
		t.Errorf("Capacity = %d, want 100", cfg.RateLimit.Capacity)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("IDP_CLIENT_ID", "env-client")
	t.Setenv("IDP_CLIENT_SECRET", "env-secret")
	t.Setenv("REDIRECT_URI", "https://gateway.example.com/auth/callback")
	t.Setenv("IDP_ISSUER", "https://idp.example.com")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("REFRESH_TOKEN_TTL", "720h")
	t.Setenv("OAUTH_STATE_TTL", "600")
	t.Setenv("RATE_LIMIT_CAPACITY", "50")
	t.Setenv("RATE_LIMIT_REFILL_RATE", "2.5")
	t.Setenv("IDP_ADMIN_GROUPS", "platform-admins, sre ")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.IdP.ClientID != "env-client" {
		t.Errorf("ClientID = %q, want %q", cfg.IdP.ClientID, "env-client")
	}
	if cfg.Token.AccessTokenTTL != 5*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want 5m", cfg.Token.AccessTokenTTL)
	}
	if cfg.Token.RefreshTokenTTL != 720*time.Hour {
		t.Errorf("RefreshTokenTTL = %v, want 720h", cfg.Token.RefreshTokenTTL)
	}
	// Bare numbers are interpreted as seconds
	if cfg.StateTTL != 10*time.Minute {
		t.Errorf("StateTTL = %v, want 10m", cfg.StateTTL)
	}
	if cfg.RateLimit.Capacity != 50 {
		t.Errorf("RateLimit.Capacity = %d, want 50", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.RefillRate != 2.5 {
		t.Errorf("RateLimit.RefillRate = %v, want 2.5", cfg.RateLimit.RefillRate)
	}
	if len(cfg.IdP.AdminGroups) != 2 || cfg.IdP.AdminGroups[0] != "platform-admins" || cfg.IdP.AdminGroups[1] != "sre" {
		t.Errorf("AdminGroups = %v, want [platform-admins sre]", cfg.IdP.AdminGroups)
	}
	if !cfg.RateLimit.TrustProxy {
		t.Error("TrustProxy should be true")
	}
}

func TestFromEnv_MissingRequired(t *testing.T) {
	t.Setenv("IDP_CLIENT_ID", "")
	t.Setenv("IDP_CLIENT_SECRET", "secret")
	t.Setenv("REDIRECT_URI", "https://gateway.example.com/auth/callback")
	t.Setenv("IDP_ISSUER", "https://idp.example.com")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() should fail without IDP_CLIENT_ID")
	}
}

func TestFromEnv_InvalidDuration(t *testing.T) {
	t.Setenv("IDP_CLIENT_ID", "client")
	t.Setenv("IDP_CLIENT_SECRET", "secret")
	t.Setenv("REDIRECT_URI", "https://gateway.example.com/auth/callback")
	t.Setenv("IDP_ISSUER", "https://idp.example.com")
	t.Setenv("JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ACCESS_TOKEN_TTL", "not-a-duration")

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() should reject an unparseable duration")
	}
}

func TestDurationEnv_BareSeconds(t *testing.T) {
	t.Setenv("TEST_TTL", "90")

	d, err := durationEnv("TEST_TTL", time.Minute)
	if err != nil {
		t.Fatalf("durationEnv() error = %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("durationEnv() = %v, want 90s", d)
	}
}

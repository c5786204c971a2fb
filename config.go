package authgate

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// IdP holds the external identity provider credentials and endpoints
	IdP IdPConfig

	// Token holds local token issuance settings
	Token TokenConfig

	// RateLimit holds admission-control configuration
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// StateTTL is how long a pending login state remains valid.
	// Default: 10 minutes
	StateTTL time.Duration

	// CleanupInterval is how often the store sweeps expired entries.
	// Default: 1 minute
	CleanupInterval time.Duration

	// ListenAddr is the HTTP listen address. Default: ":8080"
	ListenAddr string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for IdP requests
	// If not provided, uses the default HTTP client
	// Can be used to add timeouts, logging, metrics, etc.
	HTTPClient *http.Client
}

// IdPConfig holds the external identity provider settings
type IdPConfig struct {
	// ClientID is the OAuth client ID registered with the IdP (required).
	ClientID string

	// ClientSecret is the OAuth client secret (required).
	ClientSecret string

	// RedirectURI is where the IdP redirects after authentication (required).
	RedirectURI string

	// Issuer is the OIDC issuer URL used for discovery and ID token
	// validation (required).
	Issuer string

	// Scopes requested from the IdP. Default: openid, email, profile.
	Scopes []string

	// AdminGroups lists IdP group memberships that grant the admin role.
	// Users outside these groups get the user role.
	AdminGroups []string

	// Timeout bounds each network call to the IdP. Default: 5 seconds.
	Timeout time.Duration
}

// TokenConfig holds local token issuance settings
type TokenConfig struct {
	// SigningKey is the HMAC key for access token signatures (required).
	SigningKey []byte

	// PreviousKeys are accepted for verification during key rotation.
	// Tokens are always signed with SigningKey.
	PreviousKeys [][]byte

	// Issuer and Audience are embedded in and checked against access
	// token claims.
	Issuer   string
	Audience string

	// AccessTokenTTL is the access token lifetime. Default: 15 minutes.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime. Default: 30 days.
	RefreshTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Capacity is the token-bucket burst size per key.
	Capacity int

	// RefillRate is tokens added per second per key.
	RefillRate float64

	// AnonCapacity and AnonRefillRate apply to unauthenticated callers
	// keyed by client IP. Zero values fall back to Capacity/RefillRate.
	AnonCapacity   int
	AnonRefillRate float64

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// DisableRefreshTokenRotation disables refresh token rotation.
	// WARNING: Violates OAuth 2.1. Stolen tokens remain valid indefinitely.
	DisableRefreshTokenRotation bool

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// Default configuration values
const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultIdPTimeout      = 5 * time.Second
	DefaultCleanupInterval = 1 * time.Minute
	DefaultListenAddr      = ":8080"
	DefaultRateCapacity    = 100
	DefaultRateRefill      = 10
)

// applyDefaults fills zero values with secure defaults.
func (c *Config) applyDefaults() {
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Token.AccessTokenTTL <= 0 {
		c.Token.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.Token.RefreshTokenTTL <= 0 {
		c.Token.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.IdP.Timeout <= 0 {
		c.IdP.Timeout = DefaultIdPTimeout
	}
	if len(c.IdP.Scopes) == 0 {
		c.IdP.Scopes = []string{"openid", "email", "profile"}
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = DefaultRateCapacity
		// A fully zero rate limit config means "use defaults"; an explicit
		// capacity with refill rate 0 means a bucket that never refills.
		if c.RateLimit.RefillRate == 0 {
			c.RateLimit.RefillRate = DefaultRateRefill
		}
	}
	if c.RateLimit.RefillRate < 0 {
		c.RateLimit.RefillRate = DefaultRateRefill
	}
	if c.RateLimit.CleanupInterval <= 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.IdP.ClientID == "" {
		return fmt.Errorf("IdP client ID is required")
	}
	if c.IdP.ClientSecret == "" {
		return fmt.Errorf("IdP client secret is required")
	}
	if c.IdP.RedirectURI == "" {
		return fmt.Errorf("redirect URI is required")
	}
	if c.IdP.Issuer == "" {
		return fmt.Errorf("IdP issuer is required")
	}
	if len(c.Token.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes")
	}
	return nil
}

// FromEnv builds a Config from environment variables. Missing optional
// variables fall back to defaults; Validate reports missing required ones.
func FromEnv() (*Config, error) {
	cfg := &Config{
		IdP: IdPConfig{
			ClientID:     os.Getenv("IDP_CLIENT_ID"),
			ClientSecret: os.Getenv("IDP_CLIENT_SECRET"),
			RedirectURI:  os.Getenv("REDIRECT_URI"),
			Issuer:       os.Getenv("IDP_ISSUER"),
			AdminGroups:  splitEnv("IDP_ADMIN_GROUPS"),
		},
		Token: TokenConfig{
			SigningKey: []byte(os.Getenv("JWT_SIGNING_KEY")),
			Issuer:     getEnv("JWT_ISSUER", "mcp-authgate"),
			Audience:   getEnv("JWT_AUDIENCE", "mcp-authgate"),
		},
		ListenAddr: getEnv("LISTEN_ADDR", DefaultListenAddr),
	}

	var err error
	if cfg.Token.AccessTokenTTL, err = durationEnv("ACCESS_TOKEN_TTL", DefaultAccessTokenTTL); err != nil {
		return nil, err
	}
	if cfg.Token.RefreshTokenTTL, err = durationEnv("REFRESH_TOKEN_TTL", DefaultRefreshTokenTTL); err != nil {
		return nil, err
	}
	if cfg.StateTTL, err = durationEnv("OAUTH_STATE_TTL", DefaultStateTTL); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Capacity, err = intEnv("RATE_LIMIT_CAPACITY", DefaultRateCapacity); err != nil {
		return nil, err
	}
	if cfg.RateLimit.RefillRate, err = floatEnv("RATE_LIMIT_REFILL_RATE", DefaultRateRefill); err != nil {
		return nil, err
	}
	cfg.RateLimit.TrustProxy = getEnv("TRUST_PROXY", "") == "true"
	cfg.Security.EnableAuditLogging = getEnv("AUDIT_LOGGING", "true") == "true"

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitEnv(envVar string) []string {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func durationEnv(envVar string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// Bare numbers are seconds, matching common deployment configs.
		if secs, serr := strconv.Atoi(value); serr == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return d, nil
}

func intEnv(envVar string, defaultValue int) (int, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return n, nil
}

func floatEnv(envVar string, defaultValue float64) (float64, error) {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return f, nil
}

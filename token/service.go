package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authgate/storage"
)

// NowFunc returns the current time. It can be overridden in tests.
var NowFunc = time.Now

// MinSigningKeyLength is the minimum HMAC key length in bytes (256 bits)
const MinSigningKeyLength = 32

// Sentinel errors for token verification. Callers distinguish an expired
// token (the client should refresh) from an invalid one (the client should
// re-authenticate).
var (
	ErrTokenExpired = errors.New("access token expired")
	ErrTokenInvalid = errors.New("access token invalid")

	// ErrRefreshInvalid covers unknown refresh tokens, including tokens that
	// were already rotated. A second presentation of a rotated token is
	// indistinguishable from a forged one and may indicate theft.
	ErrRefreshInvalid = errors.New("refresh token invalid")
	ErrRefreshExpired = errors.New("refresh token expired")
)

// Claims is the verified content of an access token.
type Claims struct {
	UserID    string
	Email     string
	Role      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    time.Time
}

// Config holds configuration for the token service.
type Config struct {
	// SigningKey is the HMAC key used to sign new access tokens (required,
	// at least 32 bytes)
	SigningKey []byte

	// PreviousKeys are retired signing keys that are still accepted for
	// verification, so tokens signed before a key rotation stay valid until
	// they expire
	PreviousKeys [][]byte

	// Issuer is the "iss" claim on issued tokens and is required on
	// verified ones
	Issuer string

	// Audience is the "aud" claim on issued tokens and is required on
	// verified ones
	Audience string

	// AccessTokenTTL is the lifetime of issued access tokens
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of issued refresh tokens
	RefreshTokenTTL time.Duration

	// DisableRotation keeps a refresh token valid after use instead of
	// rotating it. Rotation is strongly recommended; this exists for
	// clients that cannot handle rotation.
	DisableRotation bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Service issues, verifies, and rotates the gateway's own tokens. Access
// tokens are HS256 JWTs verified statelessly; refresh tokens are opaque
// random strings tracked server-side through a storage.SessionStore.
type Service struct {
	signingKey   []byte
	previousKeys [][]byte
	issuer       string
	audience     string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	rotate       bool
	store        storage.SessionStore
	logger       *slog.Logger
}

// NewService creates a token service backed by the given session store.
func NewService(cfg Config, store storage.SessionStore) (*Service, error) {
	if len(cfg.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, len(cfg.SigningKey))
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("audience is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		signingKey:   cfg.SigningKey,
		previousKeys: cfg.PreviousKeys,
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		rotate:       !cfg.DisableRotation,
		store:        store,
		logger:       logger,
	}, nil
}

// Issue creates a new access/refresh pair for the given identity and stores
// the refresh record.
func (s *Service) Issue(ctx context.Context, userID, email, role string) (*Pair, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	now := NowFunc()
	accessToken, expiresAt, err := s.signAccessToken(userID, email, role, now)
	if err != nil {
		return nil, err
	}

	// The refresh token is 256 bits of randomness. Only its SHA-256 hash is
	// stored, so a leaked store dump yields no usable tokens.
	refreshToken := oauth2.GenerateVerifier()
	record := &storage.RefreshRecord{
		TokenHash: HashToken(refreshToken),
		UserID:    userID,
		Email:     email,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.store.SaveRefreshRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save refresh record: %w", err)
	}

	s.logger.Debug("Issued token pair",
		"user_id", userID,
		"role", role,
		"expires_at", expiresAt)

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) signAccessToken(userID, email, role string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.accessTTL)

	claims := jwtlib.MapClaims{
		"iss":  s.issuer,
		"sub":  userID,
		"aud":  s.audience,
		"role": role,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
		"jti":  uuid.New().String(),
	}
	if email != "" {
		claims["email"] = email
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks an access token's signature and claims statelessly. The
// current signing key is tried first, then any previous keys still inside
// their rotation window. Returns ErrTokenExpired for a well-signed but
// expired token and ErrTokenInvalid for everything else.
func (s *Service) Verify(accessToken string) (*Claims, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	var lastErr error
	for _, key := range append([][]byte{s.signingKey}, s.previousKeys...) {
		claims, err := s.verifyWithKey(accessToken, key)
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, jwtlib.ErrTokenSignatureInvalid) {
			lastErr = err
			continue // token may be signed with an older key
		}
		return nil, mapVerifyError(err)
	}

	return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, lastErr)
}

func (s *Service) verifyWithKey(accessToken string, key []byte) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(accessToken, jwtlib.MapClaims{},
		func(t *jwtlib.Token) (any, error) { return key, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(s.issuer),
		jwtlib.WithAudience(s.audience),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(func() time.Time { return NowFunc() }),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	jti, _ := claims["jti"].(string)
	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)

	return &Claims{
		UserID:    sub,
		Email:     email,
		Role:      role,
		TokenID:   jti,
		IssuedAt:  time.Unix(int64(iat), 0),
		ExpiresAt: time.Unix(int64(exp), 0),
	}, nil
}

func mapVerifyError(err error) error {
	if errors.Is(err, jwtlib.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

// Refresh exchanges a refresh token for a fresh pair. The presented token is
// consumed atomically: concurrent presentations of the same token produce
// exactly one new pair, and every later presentation fails with
// ErrRefreshInvalid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrRefreshInvalid)
	}

	record, err := s.store.ConsumeRefreshRecord(ctx, HashToken(refreshToken))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshNotFound):
			return nil, fmt.Errorf("%w: unknown or already used", ErrRefreshInvalid)
		case errors.Is(err, storage.ErrRefreshExpired):
			return nil, fmt.Errorf("%w: %v", ErrRefreshExpired, err)
		default:
			return nil, fmt.Errorf("failed to consume refresh record: %w", err)
		}
	}

	var pair *Pair
	if s.rotate {
		pair, err = s.Issue(ctx, record.UserID, record.Email, record.Role)
		if err != nil {
			return nil, err
		}
	} else {
		// Rotation disabled: put the record back so the token stays usable
		// and mint only a new access token. The consume above still enforced
		// expiry.
		if err := s.store.SaveRefreshRecord(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to restore refresh record: %w", err)
		}
		accessToken, expiresAt, err := s.signAccessToken(record.UserID, record.Email, record.Role, NowFunc())
		if err != nil {
			return nil, err
		}
		pair = &Pair{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.accessTTL.Seconds()),
			ExpiresAt:    expiresAt,
		}
	}

	s.logger.Debug("Refreshed token pair", "user_id", record.UserID)
	return pair, nil
}

// Revoke invalidates a refresh token and every other active refresh record
// belonging to the same user. Revoking an unknown token is not an error; the
// outcome the caller wanted already holds.
func (s *Service) Revoke(ctx context.Context, refreshToken string) (int, error) {
	if refreshToken == "" {
		return 0, fmt.Errorf("%w: empty token", ErrRefreshInvalid)
	}

	record, err := s.store.ConsumeRefreshRecord(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrRefreshNotFound) || errors.Is(err, storage.ErrRefreshExpired) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to consume refresh record: %w", err)
	}

	revoked, err := s.store.RevokeUserRefreshRecords(ctx, record.UserID)
	if err != nil {
		return 1, fmt.Errorf("failed to revoke user refresh records: %w", err)
	}

	s.logger.Info("Revoked refresh tokens",
		"user_id", record.UserID,
		"records_revoked", revoked+1)
	return revoked + 1, nil
}

// RevokeUser invalidates every active refresh record for userID. Used when
// refresh token reuse is detected for an authenticated user.
func (s *Service) RevokeUser(ctx context.Context, userID string) (int, error) {
	return s.store.RevokeUserRefreshRecords(ctx, userID)
}

// HashToken returns the SHA-256 hex digest of a refresh token. Records are
// keyed by this digest so raw tokens never touch storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Package storage defines interfaces for persisting pending login state and
// active refresh token records. It supports in-memory and Valkey backends.
package storage

import (
	"context"
	"errors"
	"time"
)

// Typed errors returned by SessionStore implementations. Callers distinguish
// "not found" (covers replay of a consumed entry) from "expired" to surface
// the right error kind.
var (
	ErrStateNotFound   = errors.New("authorization state not found")
	ErrStateExpired    = errors.New("authorization state expired")
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshExpired  = errors.New("refresh token expired")
)

// OAuthState is a pending login flow entry. It is written once at login
// initiation and consumed (deleted) exactly once at callback time.
type OAuthState struct {
	// State is the opaque value round-tripped through the IdP redirect.
	State string

	// CodeVerifier is the PKCE verifier sent with the code exchange.
	CodeVerifier string

	// CodeChallenge is the S256 hash of CodeVerifier embedded in the
	// authorization URL.
	CodeChallenge string

	// RedirectTarget is where the client wanted to land after login.
	RedirectTarget string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshRecord tracks one active refresh token. The raw token never reaches
// storage; records are keyed by the SHA-256 hex of the token. At most one
// active record per issuance lineage exists at a time.
type RefreshRecord struct {
	TokenHash string
	UserID    string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionStore persists login states and refresh records.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveState stores a pending login state.
	SaveState(ctx context.Context, state *OAuthState) error

	// ConsumeState atomically retrieves and deletes the entry for state.
	// Of two concurrent callers exactly one receives the entry; the other
	// gets ErrStateNotFound. Returns ErrStateExpired when the entry
	// existed but its TTL had elapsed.
	// SECURITY: This operation MUST be atomic so a replayed callback can
	// never succeed twice.
	ConsumeState(ctx context.Context, state string) (*OAuthState, error)

	// SaveRefreshRecord stores an active refresh record keyed by its
	// token hash.
	SaveRefreshRecord(ctx context.Context, record *RefreshRecord) error

	// ConsumeRefreshRecord atomically retrieves and deletes the record
	// for tokenHash. Exactly one of two racing refresh attempts wins;
	// the loser gets ErrRefreshNotFound. Returns ErrRefreshExpired when
	// the record existed but was past its expiry.
	// SECURITY: This operation MUST be atomic to prevent concurrent
	// refresh token replay.
	ConsumeRefreshRecord(ctx context.Context, tokenHash string) (*RefreshRecord, error)

	// RevokeUserRefreshRecords removes every active record for userID.
	// Called on logout and when refresh token reuse is detected.
	// Returns the number of records revoked.
	RevokeUserRefreshRecords(ctx context.Context, userID string) (int, error)

	// Close releases background resources held by the store.
	Close() error
}

// Stats reports current entry counts for observability gauges.
type Stats struct {
	States         int64
	RefreshRecords int64
}

// StatsReporter is implemented by stores that can report entry counts.
type StatsReporter interface {
	Stats() Stats
}

package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authgate/security"
	"github.com/giantswarm/mcp-authgate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authgate:"

	// stateLogLength is the number of characters to include when logging
	// state values
	stateLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyLength is the maximum allowed length for state values and token
	// hashes. Prevents DoS via oversized keys.
	MaxKeyLength = 512
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authgate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.SessionStore. Entries
// expire via Valkey TTLs; the consume operations run as Lua scripts so the
// get-check-delete sequence is atomic across gateway instances.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface check
var _ storage.SessionStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateKeyLength checks if a key component exceeds the maximum allowed length
func validateKeyLength(value, fieldName string) error {
	if len(value) > MaxKeyLength {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, MaxKeyLength)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// stateKey returns the key for a pending login state: {prefix}state:{state}
func (s *Store) stateKey(state string) string {
	return fmt.Sprintf("%sstate:%s", s.prefix, state)
}

// refreshKey returns the key for a refresh record: {prefix}refresh:{tokenHash}
func (s *Store) refreshKey(tokenHash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, tokenHash)
}

// refreshKeyPattern matches all refresh record keys, used by the SCAN in
// RevokeUserRefreshRecords
func (s *Store) refreshKeyPattern() string {
	return fmt.Sprintf("%srefresh:*", s.prefix)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts make the security-critical consume operations atomic in
// Valkey, so two gateway instances racing on the same state or refresh token
// produce exactly one winner.

// luaConsumeEntry atomically retrieves and deletes an entry, then reports
// whether its embedded expiry had already passed. The entry is deleted on
// every hit, expired or not: a replayed key must never become consumable.
//
// KEYS[1] = entry key (state or refresh record)
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock skew grace period in seconds
//
// Returns:
//   - Original JSON data if the entry existed and was unexpired
//   - "NOT_FOUND" if the key doesn't exist (replay, rotation, or race loser)
//   - "EXPIRED" if the entry existed but its expires_at had passed
const luaConsumeEntry = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

local entry = cjson.decode(data)
local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
local expiresAt = tonumber(entry.expires_at)
if expiresAt and now > (expiresAt + grace) then
    return 'EXPIRED'
end

return data
`

// calculateTTL returns the Valkey TTL for an entry expiring at expiresAt,
// extended by the clock skew grace so lazy expiry checks stay authoritative.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt) + security.DefaultClockSkewGracePeriod
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

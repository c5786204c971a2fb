package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authgate/storage"
)

// refreshRecordJSON is the JSON representation of an active refresh record.
// Timestamps are Unix seconds so the Lua consume script can compare them.
type refreshRecordJSON struct {
	TokenHash string `json:"token_hash"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toRefreshRecordJSON(record *storage.RefreshRecord) *refreshRecordJSON {
	return &refreshRecordJSON{
		TokenHash: record.TokenHash,
		UserID:    record.UserID,
		Email:     record.Email,
		Role:      record.Role,
		IssuedAt:  record.IssuedAt.Unix(),
		ExpiresAt: record.ExpiresAt.Unix(),
	}
}

func fromRefreshRecordJSON(j *refreshRecordJSON) *storage.RefreshRecord {
	if j == nil {
		return nil
	}
	return &storage.RefreshRecord{
		TokenHash: j.TokenHash,
		UserID:    j.UserID,
		Email:     j.Email,
		Role:      j.Role,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// SaveRefreshRecord stores an active refresh record with a TTL matching its
// expiry
func (s *Store) SaveRefreshRecord(ctx context.Context, record *storage.RefreshRecord) error {
	if record == nil || record.TokenHash == "" {
		return fmt.Errorf("token hash is required")
	}
	if record.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if err := validateKeyLength(record.TokenHash, "tokenHash"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh record: %w", err)
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh record already expired")
	}

	key := s.refreshKey(record.TokenHash)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save refresh record: %w", err)
	}

	s.logger.Debug("Saved refresh record",
		"user_id", record.UserID,
		"expires_at", record.ExpiresAt)
	return nil
}

// ConsumeRefreshRecord atomically retrieves and deletes the record for
// tokenHash.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request across all gateway instances can succeed. A second presentation of
// the same token gets storage.ErrRefreshNotFound, which the caller treats as
// possible token theft.
func (s *Store) ConsumeRefreshRecord(ctx context.Context, tokenHash string) (*storage.RefreshRecord, error) {
	if err := validateKeyLength(tokenHash, "tokenHash"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeEntry).
			Numkeys(1).
			Key(s.refreshKey(tokenHash)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg("0"). // refresh expiry is checked exactly, no grace
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: unknown or already rotated", storage.ErrRefreshNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: record TTL elapsed", storage.ErrRefreshExpired)
	}

	var j refreshRecordJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh record: %w", err)
	}

	s.logger.Debug("Consumed refresh record", "user_id", j.UserID)
	return fromRefreshRecordJSON(&j), nil
}

// RevokeUserRefreshRecords removes every active record for userID using an
// incremental SCAN, so the operation never blocks the server the way KEYS
// would. Called on logout and when refresh token reuse is detected.
func (s *Store) RevokeUserRefreshRecords(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user ID is required")
	}

	revoked := 0
	cursor := uint64(0)

	for {
		scan, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).
				Match(s.refreshKeyPattern()).
				Count(scanBatchSize).
				Build(),
		).AsScanEntry()
		if err != nil {
			return revoked, fmt.Errorf("failed to scan refresh records: %w", err)
		}

		for _, key := range scan.Elements {
			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // expired between SCAN and GET
				}
				return revoked, fmt.Errorf("failed to read refresh record: %w", err)
			}

			var j refreshRecordJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Skipping malformed refresh record", "key", key)
				continue
			}
			if j.UserID != userID {
				continue
			}

			if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
				return revoked, fmt.Errorf("failed to delete refresh record: %w", err)
			}
			revoked++
		}

		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}

	if revoked > 0 {
		s.logger.Warn("Revoked refresh records for user",
			"user_id", userID,
			"records_revoked", revoked)
	}

	return revoked, nil
}

package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authgate/internal/util"
	"github.com/giantswarm/mcp-authgate/security"
	"github.com/giantswarm/mcp-authgate/storage"
)

// oauthStateJSON is the JSON representation of a pending login state.
// Timestamps are Unix seconds so the Lua consume script can compare them.
type oauthStateJSON struct {
	State          string `json:"state"`
	CodeVerifier   string `json:"code_verifier"`
	CodeChallenge  string `json:"code_challenge"`
	RedirectTarget string `json:"redirect_target,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func toOAuthStateJSON(state *storage.OAuthState) *oauthStateJSON {
	return &oauthStateJSON{
		State:          state.State,
		CodeVerifier:   state.CodeVerifier,
		CodeChallenge:  state.CodeChallenge,
		RedirectTarget: state.RedirectTarget,
		CreatedAt:      state.CreatedAt.Unix(),
		ExpiresAt:      state.ExpiresAt.Unix(),
	}
}

func fromOAuthStateJSON(j *oauthStateJSON) *storage.OAuthState {
	if j == nil {
		return nil
	}
	return &storage.OAuthState{
		State:          j.State,
		CodeVerifier:   j.CodeVerifier,
		CodeChallenge:  j.CodeChallenge,
		RedirectTarget: j.RedirectTarget,
		CreatedAt:      time.Unix(j.CreatedAt, 0),
		ExpiresAt:      time.Unix(j.ExpiresAt, 0),
	}
}

// SaveState stores a pending login state with a TTL matching its expiry
func (s *Store) SaveState(ctx context.Context, state *storage.OAuthState) error {
	if state == nil || state.State == "" {
		return fmt.Errorf("state value is required")
	}
	if err := validateKeyLength(state.State, "state"); err != nil {
		return err
	}

	data, err := json.Marshal(toOAuthStateJSON(state))
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state already expired")
	}

	key := s.stateKey(state.State)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug("Saved login state",
		"state", util.SafeTruncate(state.State, stateLogLength),
		"expires_at", state.ExpiresAt)
	return nil
}

// ConsumeState atomically retrieves and deletes the entry for state.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request across all gateway instances can succeed. Losers and replays get
// storage.ErrStateNotFound.
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.OAuthState, error) {
	if err := validateKeyLength(state, "state"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeEntry).
			Numkeys(1).
			Key(s.stateKey(state)).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", int64(security.DefaultClockSkewGracePeriod.Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic state consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: unknown or already consumed", storage.ErrStateNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: state TTL elapsed", storage.ErrStateExpired)
	}

	var j oauthStateJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	s.logger.Debug("Consumed login state",
		"state", util.SafeTruncate(state, stateLogLength))
	return fromOAuthStateJSON(&j), nil
}

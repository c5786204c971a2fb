// Package mock provides a mock implementation of the storage interfaces for
// testing. Every method has a working in-memory default and can be overridden
// per test to inject failures.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/mcp-authgate/security"
	"github.com/giantswarm/mcp-authgate/storage"
)

// SessionStore is a mock implementation of storage.SessionStore
type SessionStore struct {
	mu      sync.Mutex
	states  map[string]*storage.OAuthState
	refresh map[string]*storage.RefreshRecord

	SaveStateFunc                func(ctx context.Context, state *storage.OAuthState) error
	ConsumeStateFunc             func(ctx context.Context, state string) (*storage.OAuthState, error)
	SaveRefreshRecordFunc        func(ctx context.Context, record *storage.RefreshRecord) error
	ConsumeRefreshRecordFunc     func(ctx context.Context, tokenHash string) (*storage.RefreshRecord, error)
	RevokeUserRefreshRecordsFunc func(ctx context.Context, userID string) (int, error)
	CloseFunc                    func() error

	CallCounts map[string]int
}

var _ storage.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a mock store with working in-memory defaults
func NewSessionStore() *SessionStore {
	m := &SessionStore{
		states:     make(map[string]*storage.OAuthState),
		refresh:    make(map[string]*storage.RefreshRecord),
		CallCounts: make(map[string]int),
	}

	m.SaveStateFunc = func(ctx context.Context, state *storage.OAuthState) error {
		if state == nil || state.State == "" {
			return fmt.Errorf("state value is required")
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *state
		m.states[state.State] = &cp
		return nil
	}

	m.ConsumeStateFunc = func(ctx context.Context, state string) (*storage.OAuthState, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		entry, ok := m.states[state]
		if !ok {
			return nil, storage.ErrStateNotFound
		}
		delete(m.states, state)
		if security.IsExpired(entry.ExpiresAt) {
			return nil, storage.ErrStateExpired
		}
		return entry, nil
	}

	m.SaveRefreshRecordFunc = func(ctx context.Context, record *storage.RefreshRecord) error {
		if record == nil || record.TokenHash == "" {
			return fmt.Errorf("token hash is required")
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		cp := *record
		m.refresh[record.TokenHash] = &cp
		return nil
	}

	m.ConsumeRefreshRecordFunc = func(ctx context.Context, tokenHash string) (*storage.RefreshRecord, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.refresh[tokenHash]
		if !ok {
			return nil, storage.ErrRefreshNotFound
		}
		delete(m.refresh, tokenHash)
		if security.IsExpired(record.ExpiresAt) {
			return nil, storage.ErrRefreshExpired
		}
		return record, nil
	}

	m.RevokeUserRefreshRecordsFunc = func(ctx context.Context, userID string) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		revoked := 0
		for hash, record := range m.refresh {
			if record.UserID == userID {
				delete(m.refresh, hash)
				revoked++
			}
		}
		return revoked, nil
	}

	m.CloseFunc = func() error { return nil }

	return m
}

// SaveState stores a pending login state
func (m *SessionStore) SaveState(ctx context.Context, state *storage.OAuthState) error {
	m.count("SaveState")
	return m.SaveStateFunc(ctx, state)
}

// ConsumeState atomically retrieves and deletes the entry for state
func (m *SessionStore) ConsumeState(ctx context.Context, state string) (*storage.OAuthState, error) {
	m.count("ConsumeState")
	return m.ConsumeStateFunc(ctx, state)
}

// SaveRefreshRecord stores an active refresh record
func (m *SessionStore) SaveRefreshRecord(ctx context.Context, record *storage.RefreshRecord) error {
	m.count("SaveRefreshRecord")
	return m.SaveRefreshRecordFunc(ctx, record)
}

// ConsumeRefreshRecord atomically retrieves and deletes the record
func (m *SessionStore) ConsumeRefreshRecord(ctx context.Context, tokenHash string) (*storage.RefreshRecord, error) {
	m.count("ConsumeRefreshRecord")
	return m.ConsumeRefreshRecordFunc(ctx, tokenHash)
}

// RevokeUserRefreshRecords removes every active record for userID
func (m *SessionStore) RevokeUserRefreshRecords(ctx context.Context, userID string) (int, error) {
	m.count("RevokeUserRefreshRecords")
	return m.RevokeUserRefreshRecordsFunc(ctx, userID)
}

// Close is a no-op by default
func (m *SessionStore) Close() error {
	m.count("Close")
	return m.CloseFunc()
}

// Calls returns how many times the named method has been invoked
func (m *SessionStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

func (m *SessionStore) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

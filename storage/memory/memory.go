package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authgate/instrumentation"
	"github.com/giantswarm/mcp-authgate/internal/util"
	"github.com/giantswarm/mcp-authgate/security"
	"github.com/giantswarm/mcp-authgate/storage"
)

const (
	// stateLogLength is the number of characters to include when logging
	// state values. Enough for correlation, useless to an attacker.
	stateLogLength = 8
)

// Store is an in-memory implementation of storage.SessionStore.
type Store struct {
	mu sync.RWMutex

	// Pending login states, keyed by state value
	states map[string]*storage.OAuthState

	// Active refresh records, keyed by token hash
	refresh map[string]*storage.RefreshRecord

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for gauges (lock-free access during metric collection)
	statesCountAtomic  atomic.Int64
	refreshCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.SessionStore  = (*Store)(nil)
	_ storage.StatsReporter = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[string]*storage.OAuthState),
		refresh:         make(map[string]*storage.RefreshRecord),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.refreshCountAtomic.Store(int64(len(s.refresh)))
	s.mu.Unlock()

	if inst != nil {
		// Gauge callbacks read the atomic counters so metric collection
		// never contends with request handling
		err := inst.RegisterSessionSizeCallbacks(
			func() int64 { return s.statesCountAtomic.Load() },
			func() int64 { return s.refreshCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register session size callbacks", "error", err)
		}
	}
}

// Close stops the cleanup goroutine
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// SaveState stores a pending login state
func (s *Store) SaveState(ctx context.Context, state *storage.OAuthState) error {
	ctx, span := s.startStorageSpan(ctx, "save_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_state", err, startTime)
	}()

	if state == nil || state.State == "" {
		err = fmt.Errorf("state value is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.State] = &cp
	s.statesCountAtomic.Store(int64(len(s.states)))

	s.logger.Debug("Saved login state",
		"state", util.SafeTruncate(state.State, stateLogLength),
		"expires_at", state.ExpiresAt)
	return nil
}

// ConsumeState atomically retrieves and deletes the entry for state.
//
// SECURITY: The whole lookup-check-delete runs under the write lock, so only
// ONE concurrent caller can receive the entry. Replays and losers of the
// race get storage.ErrStateNotFound.
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.OAuthState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_state", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	entry, ok := s.states[state]
	if !ok {
		err = fmt.Errorf("%w: unknown or already consumed", storage.ErrStateNotFound)
		return nil, err
	}

	// The entry is removed on every hit, expired or not: an expired state
	// must not become consumable again.
	delete(s.states, state)
	s.statesCountAtomic.Store(int64(len(s.states)))

	if security.IsExpired(entry.ExpiresAt) {
		err = fmt.Errorf("%w: state TTL elapsed", storage.ErrStateExpired)
		return nil, err
	}

	s.logger.Debug("Consumed login state",
		"state", util.SafeTruncate(state, stateLogLength))
	return entry, nil
}

// SaveRefreshRecord stores an active refresh record keyed by token hash
func (s *Store) SaveRefreshRecord(ctx context.Context, record *storage.RefreshRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_record", err, startTime)
	}()

	if record == nil || record.TokenHash == "" {
		err = fmt.Errorf("token hash is required")
		return err
	}
	if record.UserID == "" {
		err = fmt.Errorf("user ID is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.refresh[record.TokenHash] = &cp
	s.refreshCountAtomic.Store(int64(len(s.refresh)))

	s.logger.Debug("Saved refresh record",
		"token_hash", util.SafeTruncate(record.TokenHash, stateLogLength),
		"expires_at", record.ExpiresAt)
	return nil
}

// ConsumeRefreshRecord atomically retrieves and deletes the record for
// tokenHash.
//
// SECURITY: This operation is atomic - only ONE concurrent request can
// succeed. All other concurrent requests receive storage.ErrRefreshNotFound,
// which the caller treats as possible token reuse.
func (s *Store) ConsumeRefreshRecord(ctx context.Context, tokenHash string) (*storage.RefreshRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_record")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_record", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	record, ok := s.refresh[tokenHash]
	if !ok {
		err = fmt.Errorf("%w: unknown or already rotated", storage.ErrRefreshNotFound)
		return nil, err
	}

	// ATOMIC DELETE - ensures only one request succeeds
	delete(s.refresh, tokenHash)
	s.refreshCountAtomic.Store(int64(len(s.refresh)))

	if security.IsExpired(record.ExpiresAt) {
		err = fmt.Errorf("%w: record TTL elapsed", storage.ErrRefreshExpired)
		return nil, err
	}

	s.logger.Debug("Consumed refresh record",
		"user_id", record.UserID)
	return record, nil
}

// RevokeUserRefreshRecords removes every active record for userID. Called on
// logout and when refresh token reuse is detected.
func (s *Store) RevokeUserRefreshRecords(ctx context.Context, userID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_user_refresh_records")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_user_refresh_records", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for hash, record := range s.refresh {
		if record.UserID == userID {
			delete(s.refresh, hash)
			revoked++
		}
	}
	s.refreshCountAtomic.Store(int64(len(s.refresh)))

	if revoked > 0 {
		s.logger.Warn("Revoked refresh records for user",
			"user_id", userID,
			"records_revoked", revoked)
	}

	return revoked, nil
}

// Stats returns current entry counts
func (s *Store) Stats() storage.Stats {
	return storage.Stats{
		States:         s.statesCountAtomic.Load(),
		RefreshRecords: s.refreshCountAtomic.Load(),
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired login states (with clock skew grace period)
	for state, entry := range s.states {
		if security.IsExpired(entry.ExpiresAt) {
			delete(s.states, state)
			cleaned++
		}
	}

	// Expired refresh records (with clock skew grace period)
	for hash, record := range s.refresh {
		if security.IsExpired(record.ExpiresAt) {
			delete(s.refresh, hash)
			cleaned++
		}
	}

	s.statesCountAtomic.Store(int64(len(s.states)))
	s.refreshCountAtomic.Store(int64(len(s.refresh)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// startStorageSpan starts a tracing span for a storage operation (no-op when
// instrumentation is not set)
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
}

// recordStorageOperation records metrics for a storage operation and sets
// span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

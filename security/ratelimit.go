package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-key admission control using a token bucket,
// with LRU eviction to prevent unbounded memory growth. Keys are user IDs
// for authenticated callers and client IPs for anonymous ones; run one
// instance per key class.
//
// Each key's bucket starts full at capacity and refills at refillRate
// tokens per second, capped at capacity. A refill rate of zero means the
// bucket never refills: exactly capacity admissions, then rejection.
type RateLimiter struct {
	limiters        map[string]*list.Element // key -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.RWMutex
	refillRate      float64
	capacity        int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}

	// Statistics
	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a new rate limiter with automatic cleanup and LRU
// eviction. Default max entries is 10,000. Use NewRateLimiterWithConfig for
// custom max entries.
func NewRateLimiter(refillRate float64, capacity int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(refillRate, capacity, 10000, logger)
}

// NewRateLimiterWithConfig creates a new rate limiter with custom max entries.
// maxEntries controls the maximum number of unique keys tracked
// simultaneously; when the limit is reached, least recently used entries are
// evicted. Set maxEntries to 0 for unlimited (not recommended for production).
func NewRateLimiterWithConfig(refillRate float64, capacity, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		refillRate:      refillRate,
		capacity:        capacity,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	// Start background cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given key is admitted. The decision is
// synchronous and never waits for capacity. Safe for concurrent use.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.limiters[key]; exists {
		// Move to front (most recently used)
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	// Need to create a new limiter - check if we're at capacity
	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(rl.refillRate), rl.capacity),
		lastAccess: now,
	}

	elem := rl.lruList.PushFront(entry)
	rl.limiters[key] = elem

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	if rl.lruList.Len() == 0 {
		return
	}

	elem := rl.lruList.Back()
	if elem != nil {
		entry := elem.Value.(*rateLimiterEntry)
		delete(rl.limiters, entry.key)
		rl.lruList.Remove(elem)
		rl.totalEvictions++

		rl.logger.Debug("Rate limiter LRU eviction",
			"key", entry.key,
			"total_evictions", rl.totalEvictions,
			"current_entries", len(rl.limiters))
	}
}

// cleanupLoop periodically removes inactive rate limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute) // Remove limiters idle for 30 minutes
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that haven't been accessed for the given duration.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.key)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// Size returns the current number of tracked keys.
func (rl *RateLimiter) Size() int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return int64(len(rl.limiters))
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked keys
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64   // Total number of LRU evictions
	TotalCleanups  int64   // Total number of cleanup operations
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics for monitoring and
// alerting. Useful for detecting memory pressure and tuning maxEntries.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}

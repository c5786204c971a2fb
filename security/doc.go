// Package security provides security-related functionality for the gateway,
// including rate limiting, client IP extraction, request IDs, response
// headers, and audit logging.
//
// # Rate Limiting
//
// The RateLimiter provides per-key admission control using a token bucket
// with automatic memory management through LRU (Least Recently Used)
// eviction. To prevent unbounded memory growth under distributed attacks, a
// configurable maximum entries limit applies; when reached, the least
// recently used entries are evicted.
//
// Default configuration:
//   - MaxEntries: 10,000 unique keys
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
// Example:
//
//	limiter := security.NewRateLimiter(10, 100, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // Rate limit exceeded
//	    return http.StatusTooManyRequests
//	}
//
// # Audit Logging
//
// The Auditor logs security events (token issuance, refresh, reuse
// detection, rate limit rejections) with user identifiers hashed before they
// reach the log stream.
package security

// Package memory provides an in-memory implementation of the session storage
// interfaces.
//
// The store keeps pending login states and active refresh records in maps
// guarded by a sync.RWMutex. Consume operations take the write lock so only
// one of two racing callers can win. Expired entries are rejected lazily on
// lookup and swept by a background goroutine.
//
// It is suitable for development, testing, and single-instance deployments.
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Close()
package memory

// Package valkey provides a Valkey storage backend for the gateway's session
// store.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This backend is suitable for production deployments that require:
//
//   - Shared session state across multiple gateway instances
//   - Persistence across restarts
//   - Automatic TTL-based expiration
//
// # Atomicity
//
// The consume-once guarantees for login states and refresh records are
// enforced with Lua scripts, so the get-check-delete sequence is atomic even
// with many gateway instances sharing one Valkey. Exactly one of two racing
// callers receives the entry; the other observes a not-found error.
//
// # Example
//
//	store, err := valkey.New(valkey.Config{
//		Address: "localhost:6379",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package valkey

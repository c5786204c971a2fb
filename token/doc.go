// Package token issues and verifies the gateway's own credentials.
//
// Access tokens are short-lived HS256 JWTs carrying the user's identity and
// role; verification is stateless, so the hot request path never touches
// storage. Refresh tokens are opaque 256-bit random strings whose SHA-256
// hashes are tracked in a storage.SessionStore and rotated on every use: a
// refresh token that has been presented once is gone, and presenting it
// again fails.
//
// Signing keys can be rotated without invalidating outstanding tokens by
// moving the old key into Config.PreviousKeys. New tokens are always signed
// with Config.SigningKey.
package token

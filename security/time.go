package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace applied to stored-entry expiry
	// checks. It absorbs NTP drift between the gateway and its storage
	// backend. Access token expiry is checked exactly, without grace.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks if an entry is expired with the default clock skew grace period
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks if an entry is expired with a custom grace period
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false // no expiration
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}

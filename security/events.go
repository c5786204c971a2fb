package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a token pair is rotated via refresh
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when refresh records are revoked
	EventTokenRevoked = "token_revoked"

	// EventTokenReuseDetected is logged when an already rotated refresh token
	// is presented again (theft indicator)
	EventTokenReuseDetected = "token_reuse_detected" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Login flow events

	// EventStateReplayDetected is logged when a callback carries an unknown
	// or already consumed state parameter
	EventStateReplayDetected = "state_replay_detected"

	// EventAuthFailure is logged when authentication fails (bad token,
	// rejected code exchange, etc.)
	EventAuthFailure = "auth_failure"

	// Admission events

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventRoleRejected is logged when a caller's role does not meet an
	// operation's minimum
	EventRoleRejected = "role_rejected"
)

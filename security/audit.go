// Package security provides security features for the gateway including rate
// limiting, audit logging, client IP extraction, and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(userID, ipAddress, trigger string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"trigger": trigger,
		},
	})
}

// LogTokenRefreshed logs when a token pair is rotated via refresh
func (a *Auditor) LogTokenRefreshed(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogTokenRevoked logs when refresh records are revoked
func (a *Auditor) LogTokenRevoked(userID, ipAddress string, count int) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"records_revoked": count,
		},
	})
}

// LogTokenReuse logs a refresh token replay attempt. The remaining lineage
// for the user is revoked when this fires.
func (a *Auditor) LogTokenReuse(userID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenReuseDetected,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogStateReplay logs a callback state replay attempt
func (a *Auditor) LogStateReplay(ipAddress, statePrefix string) {
	a.LogEvent(Event{
		Type:      EventStateReplayDetected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"state_prefix": statePrefix,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit rejection
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogRoleRejected logs an insufficient-role rejection
func (a *Auditor) LogRoleRejected(userID, ipAddress, operation, role string) {
	a.LogEvent(Event{
		Type:      EventRoleRejected,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"operation": operation,
			"role":      role,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

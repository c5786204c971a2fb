package authgate

import (
	"errors"
	"fmt"
	"net/http"
)

// Auth error codes as constants
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInvalidState        = "invalid_state"
	ErrorCodeExpiredState        = "expired_state"
	ErrorCodeUpstreamUnreachable = "upstream_unreachable"
	ErrorCodeIDTokenInvalid      = "id_token_invalid"
	ErrorCodeInvalidToken        = "invalid_token"
	ErrorCodeExpiredToken        = "expired_token"
	ErrorCodeInvalidRefreshToken = "invalid_refresh_token"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
	ErrorCodeInsufficientRole    = "insufficient_role"
	ErrorCodeServerError         = "server_error"
)

// AuthError represents a gateway error response. The Code is stable and
// machine-readable; the Description is sanitized and safe to return to
// callers. Diagnostic detail stays in logs.
type AuthError struct {
	Code        string // stable error code (e.g., "invalid_state", "expired_token")
	Description string // human-readable, non-leaking description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewAuthError creates a new auth error
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsAuthError extracts an *AuthError from err, or wraps err as a generic
// server error so raw internal detail never reaches the caller.
func AsAuthError(err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	return ErrServerError("internal error")
}

// Common gateway errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidState indicates the callback state is unknown or already consumed
	ErrInvalidState = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrExpiredState indicates the callback state existed but its TTL elapsed
	ErrExpiredState = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeExpiredState, desc, http.StatusBadRequest)
	}

	// ErrUpstreamUnreachable indicates the identity provider could not be reached
	// after the bounded retry
	ErrUpstreamUnreachable = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeUpstreamUnreachable, desc, http.StatusBadGateway)
	}

	// ErrIDTokenInvalid indicates the identity token returned by the provider
	// failed signature, issuer, or audience validation
	ErrIDTokenInvalid = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeIDTokenInvalid, desc, http.StatusBadGateway)
	}

	// ErrInvalidToken indicates the access token failed signature or claim checks
	ErrInvalidToken = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrExpiredToken indicates the access token is past its expiry
	ErrExpiredToken = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeExpiredToken, desc, http.StatusUnauthorized)
	}

	// ErrInvalidRefreshToken indicates the refresh token is unknown, revoked,
	// reused, or expired
	ErrInvalidRefreshToken = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInvalidRefreshToken, desc, http.StatusUnauthorized)
	}

	// ErrRateLimitExceeded indicates the caller's bucket has no tokens left
	ErrRateLimitExceeded = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrInsufficientRole indicates the identity's role does not meet the
	// operation's minimum
	ErrInsufficientRole = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeInsufficientRole, desc, http.StatusForbidden)
	}

	// ErrServerError indicates an internal error occurred
	ErrServerError = func(desc string) *AuthError {
		return NewAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

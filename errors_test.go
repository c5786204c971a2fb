package authgate

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAuthError_Error(t *testing.T) {
	err := NewAuthError(ErrorCodeInvalidState, "unknown state", http.StatusBadRequest)

	want := "invalid_state: unknown state"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("bad"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid state", ErrInvalidState("bad"), ErrorCodeInvalidState, http.StatusBadRequest},
		{"expired state", ErrExpiredState("bad"), ErrorCodeExpiredState, http.StatusBadRequest},
		{"upstream unreachable", ErrUpstreamUnreachable("bad"), ErrorCodeUpstreamUnreachable, http.StatusBadGateway},
		{"id token invalid", ErrIDTokenInvalid("bad"), ErrorCodeIDTokenInvalid, http.StatusBadGateway},
		{"invalid token", ErrInvalidToken("bad"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"expired token", ErrExpiredToken("bad"), ErrorCodeExpiredToken, http.StatusUnauthorized},
		{"invalid refresh token", ErrInvalidRefreshToken("bad"), ErrorCodeInvalidRefreshToken, http.StatusUnauthorized},
		{"rate limit exceeded", ErrRateLimitExceeded("bad"), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"insufficient role", ErrInsufficientRole("bad"), ErrorCodeInsufficientRole, http.StatusForbidden},
		{"server error", ErrServerError("bad"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "bad" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "bad")
			}
		})
	}
}

func TestAsAuthError(t *testing.T) {
	authErr := ErrInvalidState("unknown state")

	if got := AsAuthError(authErr); got != authErr {
		t.Errorf("AsAuthError() = %v, want the original error", got)
	}

	// Wrapped AuthErrors are unwrapped
	wrapped := fmt.Errorf("handling callback: %w", authErr)
	if got := AsAuthError(wrapped); got != authErr {
		t.Errorf("AsAuthError(wrapped) = %v, want the original error", got)
	}
}

func TestAsAuthError_MasksInternalErrors(t *testing.T) {
	internal := errors.New("pq: connection refused on 10.0.0.5")

	got := AsAuthError(internal)
	if got.Code != ErrorCodeServerError {
		t.Errorf("Code = %q, want %q", got.Code, ErrorCodeServerError)
	}
	if got.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", got.Status, http.StatusInternalServerError)
	}
	if got.Description != "internal error" {
		t.Errorf("Description = %q, internal detail must not leak", got.Description)
	}
}

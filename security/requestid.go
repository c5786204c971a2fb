package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern validates request IDs to prevent header injection.
// Allows alphanumeric, hyphens, underscores (1-128 chars), which covers the
// formats common proxies emit.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a cryptographically random request ID: 16 bytes
// of entropy as a 22-character base64url string without padding.
// Panics if the system RNG fails, which indicates a critical system failure.
func GenerateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// EnsureRequestID returns the validated upstream request ID from r, or a
// freshly generated one, and echoes it on the response for correlation.
// Invalid upstream IDs (injection, oversized) are replaced, never forwarded.
func EnsureRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" || !isValidRequestID(requestID) {
		requestID = GenerateRequestID()
	}
	w.Header().Set(RequestIDHeader, requestID)
	return requestID
}

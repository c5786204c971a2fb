package authgate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/mcp-authgate/security"
)

// identityContextKey is the context key for the authenticated identity
type identityContextKey struct{}

// WithIdentity returns a context carrying the given identity
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity attached by the middleware chain.
// Requests that never passed through Protect yield Anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	if identity, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return identity
	}
	return Anonymous
}

// statusRecorder captures the response status for the metrics stage
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Protect wraps an operation handler with the gateway's admission pipeline.
// The stages run in a fixed order:
//
//	request ID -> timer -> bearer extraction -> verification ->
//	rate limit -> role gate -> handler -> metrics
//
// Verification runs only when a bearer token is present; requests without
// one proceed as Anonymous and stand or fall at the role gate. The metrics
// stage is deferred, so every exit path is counted, including panics
// recovered further up the stack.
func (g *Gateway) Protect(operation string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := security.EnsureRequestID(w, r)
		r = r.WithContext(security.WithRequestID(r.Context(), requestID))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if m := g.metrics(); m != nil {
				m.RecordRequest(r.Context(), operation, statusClass(rec.status), time.Since(start).Seconds())
			}
		}()

		clientIP := security.GetClientIP(r, g.config.RateLimit.TrustProxy, 1)
		logger := g.logger.With("request_id", requestID, "operation", operation)

		identity := Anonymous
		bearer, present, err := extractBearerToken(r)
		if err != nil {
			g.writeError(rec, ErrInvalidToken("malformed authorization header"))
			return
		}
		if present {
			identity, err = g.Authenticate(bearer)
			if err != nil {
				logger.Debug("Authentication failed", "client_ip", clientIP)
				g.writeError(rec, err)
				return
			}
		}

		if err := g.Admit(r.Context(), identity, clientIP); err != nil {
			g.writeError(rec, err)
			return
		}

		if err := g.Authorize(r.Context(), identity, operation, clientIP); err != nil {
			logger.Info("Operation denied",
				"user_id", identity.UserID,
				"role", identity.Role)
			g.writeError(rec, err)
			return
		}

		next.ServeHTTP(rec, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// ProtectFunc is Protect for plain handler functions
func (g *Gateway) ProtectFunc(operation string, next http.HandlerFunc) http.Handler {
	return g.Protect(operation, next)
}

// extractBearerToken pulls the bearer token from the Authorization header.
// Returns (token, present, error): an absent header is not an error, the
// caller simply stays anonymous; a present but malformed header is.
func extractBearerToken(r *http.Request) (string, bool, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true, fmt.Errorf("authorization header is not a bearer token")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", true, fmt.Errorf("bearer token is empty")
	}
	return token, true, nil
}

// statusClass buckets a status code for metrics ("2xx", "4xx", ...)
func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

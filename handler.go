package authgate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-authgate/security"
)

// Handler is a thin HTTP adapter for the Gateway. It parses requests,
// delegates to the Gateway for the actual flow logic, and renders responses.
type Handler struct {
	gateway *Gateway
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(gateway *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gateway: gateway,
		logger:  logger,
	}
}

// RegisterRoutes registers the gateway's own endpoints on the mux. Protected
// operation handlers are registered separately, wrapped in Gateway.Protect.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.ServeLogin)
	mux.HandleFunc("/auth/callback", h.ServeCallback)
	mux.HandleFunc("/auth/refresh", h.ServeRefresh)
	mux.HandleFunc("/auth/logout", h.ServeLogout)
	mux.HandleFunc("/health", h.ServeHealth)
}

// ServeLogin starts a login flow and redirects the user to the identity
// provider.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	security.EnsureRequestID(w, r)
	if r.Method != http.MethodGet {
		h.gateway.writeError(w, methodNotAllowed())
		return
	}

	clientIP := h.clientIP(r)
	if err := h.gateway.Admit(r.Context(), Anonymous, clientIP); err != nil {
		h.gateway.writeError(w, err)
		return
	}

	// Only relative in-site targets are accepted; anything else would turn
	// the login endpoint into an open redirector.
	redirectTarget := r.URL.Query().Get("redirect")
	if redirectTarget != "" && !isSafeRedirectTarget(redirectTarget) {
		h.gateway.writeError(w, ErrInvalidRequest("redirect must be a relative path"))
		return
	}

	authURL, err := h.gateway.InitiateLogin(r.Context(), redirectTarget)
	if err != nil {
		h.gateway.writeError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.gateway.config.IdP.RedirectURI)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback completes a login flow when the identity provider redirects
// back with an authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	security.EnsureRequestID(w, r)
	if r.Method != http.MethodGet {
		h.gateway.writeError(w, methodNotAllowed())
		return
	}

	clientIP := h.clientIP(r)
	if err := h.gateway.Admit(r.Context(), Anonymous, clientIP); err != nil {
		h.gateway.writeError(w, err)
		return
	}

	q := r.URL.Query()

	// The IdP reports user-denied consent and its own failures via error
	// query parameters instead of a code.
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("Callback carried provider error",
			"error", errCode,
			"description", q.Get("error_description"))
		h.gateway.writeError(w, ErrInvalidRequest(fmt.Sprintf("provider rejected authorization: %s", errCode)))
		return
	}

	session, err := h.gateway.HandleCallback(r.Context(), q.Get("state"), q.Get("code"), clientIP)
	if err != nil {
		h.gateway.writeError(w, err)
		return
	}

	resp := struct {
		TokenPair
		RedirectTo string `json:"redirect_to,omitempty"`
	}{
		TokenPair:  session.Tokens,
		RedirectTo: session.RedirectTarget,
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRefresh exchanges a refresh token for a new token pair
func (h *Handler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	security.EnsureRequestID(w, r)
	if r.Method != http.MethodPost {
		h.gateway.writeError(w, methodNotAllowed())
		return
	}

	clientIP := h.clientIP(r)
	if err := h.gateway.Admit(r.Context(), Anonymous, clientIP); err != nil {
		h.gateway.writeError(w, err)
		return
	}

	refreshToken, err := refreshTokenFromRequest(r)
	if err != nil {
		h.gateway.writeError(w, err)
		return
	}

	pair, err := h.gateway.Refresh(r.Context(), refreshToken, clientIP)
	if err != nil {
		h.gateway.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pair)
}

// ServeLogout revokes the caller's refresh tokens
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	security.EnsureRequestID(w, r)
	if r.Method != http.MethodPost {
		h.gateway.writeError(w, methodNotAllowed())
		return
	}

	clientIP := h.clientIP(r)
	if err := h.gateway.Admit(r.Context(), Anonymous, clientIP); err != nil {
		h.gateway.writeError(w, err)
		return
	}

	refreshToken, err := refreshTokenFromRequest(r)
	if err != nil {
		h.gateway.writeError(w, err)
		return
	}

	if err := h.gateway.Logout(r.Context(), refreshToken, clientIP); err != nil {
		h.gateway.writeError(w, err)
		return
	}

	security.SetSecurityHeaders(w, h.gateway.config.IdP.RedirectURI)
	w.WriteHeader(http.StatusNoContent)
}

// ServeHealth reports liveness
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.gateway.writeError(w, methodNotAllowed())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.gateway.config.RateLimit.TrustProxy, 1)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.gateway.config.IdP.RedirectURI)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// refreshTokenFromRequest reads the refresh token from a JSON body or form
// data, matching what browser and CLI clients respectively send.
func refreshTokenFromRequest(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", ErrInvalidRequest("invalid JSON body")
		}
		if body.RefreshToken == "" {
			return "", ErrInvalidRequest("refresh_token is required")
		}
		return body.RefreshToken, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", ErrInvalidRequest("invalid form body")
	}
	token := r.PostFormValue("refresh_token")
	if token == "" {
		return "", ErrInvalidRequest("refresh_token is required")
	}
	return token, nil
}

// isSafeRedirectTarget accepts only same-site relative paths
func isSafeRedirectTarget(target string) bool {
	return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.Contains(target, "\\")
}

func methodNotAllowed() *AuthError {
	return NewAuthError(ErrorCodeInvalidRequest, "method not allowed", http.StatusMethodNotAllowed)
}

// writeError renders an error response. Errors that are not AuthErrors are
// masked as generic server errors so internal detail never leaks.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	authErr := AsAuthError(err)

	security.SetSecurityHeaders(w, g.config.IdP.RedirectURI)
	if authErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer error=%q, error_description=%q`, authErr.Code, authErr.Description))
	}
	if authErr.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", g.retryAfter())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             authErr.Code,
		"error_description": authErr.Description,
	})
}

// retryAfter estimates seconds until a depleted bucket holds a token again
func (g *Gateway) retryAfter() string {
	refill := g.config.RateLimit.RefillRate
	if refill <= 0 {
		return "60"
	}
	secs := int(math.Ceil(1 / refill))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

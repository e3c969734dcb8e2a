package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware handles Bearer token authentication against a static
// operator token.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty token disables
// authentication.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

// Enabled reports whether requests are checked.
func (m *AuthMiddleware) Enabled() bool {
	return len(m.token) > 0
}

// Authenticate validates the Bearer token.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

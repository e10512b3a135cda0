package middleware

import (
	"fmt"
	"net/http"

	"github.com/legacyvault/legacyvault/internal/auth"
)

// RequireVerified returns middleware that rejects principals whose mobile
// number has not passed OTP verification.
// Must be applied after Auth middleware.
func RequireVerified() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				writeScopeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			if !p.Verified {
				writeScopeError(w, http.StatusForbidden, "NOT_VERIFIED", "Mobile number is not verified")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeScopeError writes an authorization error response.
func writeScopeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":{"code":"%s","message":"%s"}}`, code, message)))
}

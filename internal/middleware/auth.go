package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/legacyvault/legacyvault/internal/auth"
)

// TokenParser validates signed session tokens.
type TokenParser interface {
	Parse(token, wantType string) (*auth.Claims, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger *slog.Logger
	Tokens TokenParser
}

// Auth returns a middleware that authenticates API requests.
// It extracts the bearer access token, verifies it, and injects the
// principal into the request context.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", "missing_token"),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeAuthError(w)
				return
			}

			claims, err := cfg.Tokens.Parse(token, auth.TokenTypeAccess)
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, auth.ErrWrongTokenType) {
					reason = "wrong_token_type"
				}
				cfg.Logger.Warn("authentication failed",
					slog.String("reason", reason),
					slog.String("ip", r.RemoteAddr),
					slog.String("endpoint", r.Method+" "+r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())),
				)
				writeAuthError(w)
				return
			}

			if claims.Subject == "" {
				writeAuthError(w)
				return
			}

			annotateUser(r.Context(), claims.Subject)
			ctx := auth.ContextWithPrincipal(r.Context(), &auth.Principal{
				UserID:   claims.Subject,
				TokenID:  claims.ID,
				Verified: claims.Verified,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// writeAuthError writes a 401 Unauthorized response.
// Uses the same message for all auth failures to prevent enumeration.
func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="legacyvault"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Invalid or missing access token"}}`))
}

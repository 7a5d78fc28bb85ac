/**
 * @description
 * This file contains custom middleware for the HTTP router. The session
 * middleware turns a bearer token into the explicit SessionContext every
 * wallet operation runs as.
 *
 * @dependencies
 * - internal/domain: For the session type.
 */

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/khipu/wallet-service/internal/domain"
)

// sessionContextKey is a custom type for the context key to avoid collisions.
type sessionContextKey string

const sessionKey sessionContextKey = "walletSession"

// TokenVerifier validates a session token.
type TokenVerifier interface {
	VerifyToken(token string) (domain.SessionContext, error)
}

// SessionMiddleware rejects requests without a valid bearer session token.
func SessionMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Error: "Authorization header required"})
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Error: "Invalid Authorization header format"})
				return
			}

			session, err := verifier.VerifyToken(strings.TrimSpace(tokenString))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Error: err.Error()})
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession retrieves the authenticated session from the request context.
func GetSession(ctx context.Context) (domain.SessionContext, bool) {
	session, ok := ctx.Value(sessionKey).(domain.SessionContext)
	return session, ok
}

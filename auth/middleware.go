package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const IdentityIDKey contextKey = "identity_id"

// Middleware validates the token carried by the request and injects the
// identity into the request context. Browsers cannot set headers on a
// WebSocket upgrade, so the token query parameter is accepted too.
func Middleware(tokenizer *Tokenizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Bearer header first, query parameter otherwise
		tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenStr == "" {
			tokenStr = r.URL.Query().Get("token")
		}
		if tokenStr == "" {
			http.Error(w, "authorization token is missing", http.StatusUnauthorized)
			return
		}

		// 2. Validate the JWT and extract claims
		claims, err := tokenizer.ValidateToken(tokenStr)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		// 3. Continue with the enriched context
		ctx := context.WithValue(r.Context(), IdentityIDKey, claims.IdentityID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the identity injected by Middleware.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(IdentityIDKey).(string)
	return id, ok && id != ""
}

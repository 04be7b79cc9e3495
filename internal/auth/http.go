// ABOUTME: HTTP middleware guarding the control API.
// ABOUTME: Accepts either the configured share key or a bearer token.

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware guards HTTP handlers. A request passes with the share key in
// the ?s= query parameter or a valid bearer token. With neither configured
// the middleware is a pass-through.
func Middleware(shareKey string, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if shareKey == "" && verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shareKey != "" && r.URL.Query().Get("s") == shareKey {
				next.ServeHTTP(w, r)
				return
			}

			if verifier != nil {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg == "" {
					if _, err := verifier.Verify(token); err == nil {
						next.ServeHTTP(w, r)
						return
					}
				}
			}

			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		})
	}
}

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware validates bearer tokens or API keys. An empty token
// disables authentication entirely. Health probes and CORS preflight are
// always allowed through.
func authMiddleware(authType, token, header string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	if header == "" {
		header = "Authorization"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := extractToken(r, authType, header)
		if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request, authType, header string) (string, bool) {
	val := r.Header.Get(header)
	if authType == "bearer" {
		if !strings.HasPrefix(val, "Bearer ") {
			return "", false
		}
		return strings.TrimPrefix(val, "Bearer "), true
	}
	return val, val != ""
}

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// clientKey extracts the presented API key: x-api-key wins, then a bearer
// Authorization header.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// requireKey guards a handler with a constant-time key comparison.
func (s *Server) requireKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := clientKey(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdminKey guards the admin surface with the separate admin key; an
// unset adminApiKey disables the surface entirely.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" {
			writeError(w, http.StatusForbidden, "authentication_error", "admin API is not configured")
			return
		}
		presented := clientKey(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package middleware holds HTTP middleware shared by the API
package middleware

import (
	"net/http"

	"github.com/psantana5/edgedash/pkg/auth"
	"github.com/psantana5/edgedash/pkg/logging"
)

// RequireToken rejects requests without a valid bearer token. Paths listed in open are
// served without one.
func RequireToken(a *auth.TokenAuth, logger *logging.Logger, open ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := a.Validate(auth.BearerToken(r)); err != nil {
				logger.Warn("Rejected unauthenticated request", logging.Fields{
					"path":   r.URL.Path,
					"remote": r.RemoteAddr,
				})
				w.Header().Set("WWW-Authenticate", `Bearer realm="edgedash"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

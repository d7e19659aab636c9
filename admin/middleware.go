package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/livesync/cfg"
)

// SecretHeader carries the admin secret as an alternative to a bearer token
const SecretHeader = "X-Livesync-Secret"

// AuthMiddleware checks the shared admin secret when one is configured
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Config.Admin.Secret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get(SecretHeader)
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = token
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

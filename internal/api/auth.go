package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/config"
)

// bearerAuth enforces the configured auth mode. In none mode every
// request passes; in bearer mode the Authorization header must carry
// the expected token. Comparison is constant-time.
func bearerAuth(log *zap.Logger, cfg config.AuthConfig, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Mode == config.AuthModeNone {
				next.ServeHTTP(w, r)
				return
			}

			if token == "" {
				// Bearer mode without a loaded token is a deployment
				// error, not an auth failure to hide.
				log.Error("bearer auth enabled but no token was loaded at startup")
				http.Error(w, "server auth misconfigured", http.StatusInternalServerError)
				return
			}

			header := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !constantTimeEq(provided, token) {
				log.Warn("invalid bearer token", zap.String("remote", r.RemoteAddr))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEq(a, b string) bool {
	return len(a) == len(b) &&
		subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

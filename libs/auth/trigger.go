package auth

import (
	"crypto/hmac"
	"log/slog"
	"net/http"
	"strings"
)

// TriggerSecretHeader carries the shared secret for callers that cannot mint
// tokens (cron, curl).
const TriggerSecretHeader = "X-Trigger-Secret"

// Trigger scopes.
const (
	ScopeSweep   = "holds:sweep"
	ScopeRefresh = "calendar:refresh"
)

// RequireTrigger admits a request carrying either a bearer token signed with
// secret that grants scope, or the raw secret in TriggerSecretHeader. An empty
// secret rejects everything.
func RequireTrigger(secret, scope string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "trigger endpoints disabled", http.StatusUnauthorized)
				return
			}
			if raw := r.Header.Get(TriggerSecretHeader); raw != "" {
				if hmac.Equal([]byte(raw), []byte(secret)) {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := ParseAndVerifyHS256(token, secret)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasScope(scope) {
				if logger != nil {
					logger.Warn("trigger token missing scope", "sub", claims.Sub, "scope", scope)
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

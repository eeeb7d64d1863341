package httpserver

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/openclaw/internal/domain"
)

// Auth header names for the two shared tokens.
const (
	HeaderBotToken    = "X-Bot-Token"
	HeaderWorkerToken = "X-Worker-Token"
	HeaderWorkerID    = "X-Worker-Id"
	HeaderWorkerCaps  = "X-Worker-Caps"
)

// tokenEqual compares tokens in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requireToken builds a middleware enforcing a shared bearer token carried in
// header. A missing configured secret is a server misconfiguration (500); a
// missing or wrong presented token is 401.
func requireToken(header, configured, kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if configured == "" {
				writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": fmt.Sprintf("%s not configured", kind)})
				return
			}
			presented := r.Header.Get(header)
			if presented == "" || !tokenEqual(presented, configured) {
				writeError(w, r, fmt.Errorf("%w: bad %s", domain.ErrUnauthorized, kind))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireBotToken guards the bot-facing endpoints (create, fetch).
func (s *Server) RequireBotToken() func(http.Handler) http.Handler {
	return requireToken(HeaderBotToken, s.Cfg.BotToken, "bot token")
}

// RequireWorkerToken guards the worker-facing endpoints (claim, result, fail).
func (s *Server) RequireWorkerToken() func(http.Handler) http.Handler {
	return requireToken(HeaderWorkerToken, s.Cfg.WorkerToken, "worker token")
}

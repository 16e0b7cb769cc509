package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/oriys/spartan/internal/config"
)

// withAuth enforces per-queue bearer-token access when access keys are
// configured. With no access keys configured, every request passes —
// auth is opt-in, matching spec.md's description of the adapter as an
// external collaborator the core has no opinion about.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if len(s.accessKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		queueName := queueNameFromPath(r.URL.Path)
		token := bearerToken(r)
		key, ok := s.matchKey(token)
		if !ok || (queueName != "" && !key.Allows(queueName)) {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errUnauthorized = &authError{"unauthorized"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

// queueNameFromPath pulls the {name} segment out of "/queue/{name}/..."
// without relying on http.ServeMux having matched a route yet — this
// middleware runs before mux dispatch, so r.PathValue is not populated.
func queueNameFromPath(path string) string {
	const prefix = "/queue/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (s *Server) matchKey(token string) (config.AccessKey, bool) {
	if token == "" {
		return config.AccessKey{}, false
	}
	for _, k := range s.accessKeys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1 {
			return k, true
		}
	}
	return config.AccessKey{}, false
}

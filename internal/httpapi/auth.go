package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"smsqd/internal/config"
)

// principal is the authenticated caller resolved from a bearer token.
type principal struct {
	UserID string
	Admin  bool
}

// authState holds the live credential set; swapped wholesale on reload.
type authState struct {
	mu     sync.RWMutex
	tokens []config.AuthToken
}

func newAuthState(tokens []config.AuthToken) *authState {
	return &authState{tokens: tokens}
}

func (a *authState) replace(tokens []config.AuthToken) {
	a.mu.Lock()
	a.tokens = tokens
	a.mu.Unlock()
}

func (a *authState) resolve(token string) (principal, bool) {
	if token == "" {
		return principal{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return principal{UserID: t.UserID, Admin: t.Admin}, true
		}
	}
	return principal{}, false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p principal)

// user requires any valid token.
func (s *Server) user(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.auth.resolve(bearerToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		h(w, r, p)
	}
}

// admin requires a token with the admin flag.
func (s *Server) admin(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.auth.resolve(bearerToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		if !p.Admin {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		h(w, r, p)
	}
}

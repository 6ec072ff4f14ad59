package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/config"
)

type principalKey struct{}

// Principal is the caller behind an authenticated REST request: an operator
// API key, or a session token scoped to one project.
type Principal struct {
	// Operator names the API key used; empty for session tokens.
	Operator string
	Grant    auth.Grant
}

// CanSee reports whether the principal may read projectID.
func (p Principal) CanSee(projectID string) bool {
	return p.Operator != "" || p.Grant.ProjectID == projectID
}

// TokenValidator checks session tokens. *auth.Authenticator satisfies it.
type TokenValidator interface {
	Validate(token string) (auth.Grant, error)
}

// AuthMiddleware accepts operator API keys and live session tokens as
// Bearer credentials.
type AuthMiddleware struct {
	mu     sync.RWMutex
	keys   map[string]string // key -> name
	tokens TokenValidator
}

func NewAuthMiddleware(keys []config.APIKeyEntry, tokens TokenValidator) *AuthMiddleware {
	am := &AuthMiddleware{tokens: tokens}
	am.SetKeys(keys)
	return am
}

// SetKeys replaces the operator keys, e.g. after a config reload.
func (am *AuthMiddleware) SetKeys(keys []config.APIKeyEntry) {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		if k.Key == "" {
			continue
		}
		name := k.Name
		if name == "" {
			name = "operator"
		}
		m[k.Key] = name
	}
	am.mu.Lock()
	am.keys = m
	am.mu.Unlock()
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := ExtractCredential(r)
		if cred == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing credential")
			return
		}
		p, ok := am.authenticate(cred)
		if !ok {
			writeJSONError(w, http.StatusForbidden, "invalid credential")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (am *AuthMiddleware) authenticate(cred string) (Principal, bool) {
	am.mu.RLock()
	name, ok := am.lookupKey(cred)
	am.mu.RUnlock()
	if ok {
		return Principal{Operator: name}, true
	}
	if am.tokens == nil {
		return Principal{}, false
	}
	g, err := am.tokens.Validate(cred)
	if err != nil {
		return Principal{}, false
	}
	return Principal{Grant: g}, true
}

// lookupKey compares in constant time against every key.
func (am *AuthMiddleware) lookupKey(candidate string) (string, bool) {
	var found string
	for k, name := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found = name
		}
	}
	return found, found != ""
}

// ExtractCredential reads "Authorization: Bearer <credential>", falling
// back to the X-API-Key header.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get("X-API-Key")
}

// PrincipalFromContext returns the caller set by AuthMiddleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

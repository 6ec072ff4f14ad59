package gateway

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/basket/clawremote/internal/config"
)

// corsPolicy answers browser preflights for /api. Origins are matched the
// same way the websocket upgrade matches OriginPatterns: a pattern with a
// scheme is compared against the full origin, a bare pattern against the
// host only, and both accept path.Match wildcards.
type corsPolicy struct {
	patterns []string
	methods  string
	headers  string
	maxAge   string
}

// NewCORSMiddleware wraps the REST API with cfg's policy. A disabled policy
// returns next unchanged.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := corsPolicy{
		patterns: cfg.AllowedOrigins,
		methods:  joinOr(cfg.AllowedMethods, "GET, OPTIONS"),
		headers:  joinOr(cfg.AllowedHeaders, "Authorization, X-API-Key"),
		maxAge:   "3600",
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p.wrap
}

func joinOr(vals []string, fallback string) string {
	if len(vals) == 0 {
		return fallback
	}
	return strings.Join(vals, ", ")
}

func (p corsPolicy) allows(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pat := range p.patterns {
		if pat == "*" {
			return true
		}
		target := u.Host
		if strings.Contains(pat, "://") {
			target = u.Scheme + "://" + u.Host
		}
		if ok, _ := path.Match(strings.ToLower(pat), strings.ToLower(target)); ok {
			return true
		}
	}
	return false
}

func (p corsPolicy) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Add("Vary", "Origin")
		allowed := p.allows(origin)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !preflight {
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Methods", p.methods)
		w.Header().Set("Access-Control-Allow-Headers", p.headers)
		w.Header().Set("Access-Control-Max-Age", p.maxAge)
		w.WriteHeader(http.StatusNoContent)
	})
}

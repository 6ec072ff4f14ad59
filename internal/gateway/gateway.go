package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/config"
	otelPkg "github.com/basket/clawremote/internal/otel"
	"github.com/basket/clawremote/internal/persistence"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/session"
)

const defaultHandshakeTimeout = 10 * time.Second

type Config struct {
	Sessions *session.Manager
	Auth     *auth.Authenticator
	// Store is optional; when set, /healthz checks the database.
	Store *persistence.Store

	Gateway      config.GatewayConfig
	AllowOrigins []string

	ConfigFingerprint string
	// Metrics backs /api/metrics; nil serves an empty list.
	Metrics MetricsSource

	// HandshakeTimeout bounds the wait for the client's hello frame.
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// MetricsSource reads the daemon's current instrument values.
type MetricsSource interface {
	Collect(ctx context.Context) ([]otelPkg.MetricPoint, error)
}

// Server accepts client WebSocket connections and serves the read-only
// project API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	apiAuth *AuthMiddleware
	limiter *RateLimiter
	cors    func(http.Handler) http.Handler
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gateway.MaxFrameBytes <= 0 {
		cfg.Gateway.MaxFrameBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var tokens TokenValidator
	if cfg.Auth != nil {
		tokens = cfg.Auth
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		apiAuth: NewAuthMiddleware(cfg.Gateway.APIKeys, tokens),
		limiter: NewRateLimiter(cfg.Gateway.RateLimit),
		cors:    NewCORSMiddleware(cfg.Gateway.CORS),
		started: cfg.Now(),
	}
}

// SetAPIKeys swaps the operator keys accepted by the REST API.
func (s *Server) SetAPIKeys(keys []config.APIKeyEntry) {
	s.apiAuth.SetKeys(keys)
}

// Limiter exposes the rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.limiter.Wrap(http.HandlerFunc(s.handleWS)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/projects", s.handleListProjects)
	api.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	api.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.Handle("/api/", s.cors(s.limiter.Wrap(s.apiAuth.Wrap(api))))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.DB().PingContext(ctx); err != nil {
			s.logger.Warn("healthz database ping failed", "error", err)
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"projects":           len(s.cfg.Sessions.List(r.Context())),
		"uptime_seconds":     int64(s.cfg.Now().Sub(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	all := s.cfg.Sessions.List(r.Context())
	out := make([]session.ProjectStatus, 0, len(all))
	for _, st := range all {
		if p.CanSee(st.ID) {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

type projectDetail struct {
	Status   session.ProjectStatus `json:"status"`
	Snapshot protocol.Snapshot     `json:"snapshot"`
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, _ := PrincipalFromContext(r.Context())
	if !p.CanSee(id) {
		writeJSONError(w, http.StatusNotFound, "project not found")
		return
	}
	snap, err := s.cfg.Sessions.Snapshot(r.Context(), id)
	if errors.Is(err, session.ErrUnknownProject) {
		writeJSONError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("project snapshot failed", "project_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	detail := projectDetail{Snapshot: snap}
	for _, st := range s.cfg.Sessions.List(r.Context()) {
		if st.ID == id {
			detail.Status = st
			break
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleMetrics is operator-only: points carry every project's id.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	if p.Operator == "" {
		writeJSONError(w, http.StatusForbidden, "operator credential required")
		return
	}
	points := []otelPkg.MetricPoint{}
	if s.cfg.Metrics != nil {
		got, err := s.cfg.Metrics.Collect(r.Context())
		if err != nil {
			s.logger.Error("metrics collect failed", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "metrics unavailable")
			return
		}
		if got != nil {
			points = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

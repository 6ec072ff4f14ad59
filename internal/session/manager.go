// Package session owns every active project: its connection state, replay
// buffer, permission correlator and progress tree, and the client session
// attached to it. Each project runs on its own goroutine; operations on one
// project never wait on another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawremote/internal/agent"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/connstate"
	otelPkg "github.com/basket/clawremote/internal/otel"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/replay"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatGrace    = 45 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultOutboundQueue     = 256
	DefaultMaxViolations     = 5
)

var (
	ErrClosed         = errors.New("session: manager closed")
	ErrUnknownProject = errors.New("session: unknown project")
)

// Transport is one physical client connection. Send must preserve order;
// Close ends the connection, telling the peer why when kind is non-empty.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Close(kind protocol.ErrorKind, reason string) error
}

// Handshake authenticates the peer on an already open transport and
// returns the session grant.
type Handshake func(ctx context.Context) (auth.Grant, error)

// TokenService checks and renews session tokens. *auth.Authenticator
// satisfies it.
type TokenService interface {
	Validate(token string) (auth.Grant, error)
	Renew(token string) (auth.Grant, error)
	Revoke(token string)
}

type Config struct {
	Adapter agent.Adapter
	Tokens  TokenService
	Bus     *bus.Bus
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	HandshakeTimeout  time.Duration
	ShutdownTimeout   time.Duration
	WriteTimeout      time.Duration
	PermissionTimeout time.Duration
	Retention         replay.Retention
	// MaxProtocolViolations closes a session after this many consecutive
	// malformed or out-of-order inbound envelopes.
	MaxProtocolViolations int
	OutboundQueue         int
}

// Manager is the registry of projects.
type Manager struct {
	cfg     Config
	adapter agent.Adapter
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	bus     *bus.Bus

	mu       sync.RWMutex
	projects map[string]*project
	closed   bool
}

func New(cfg Config) *Manager {
	if cfg.Adapter == nil {
		panic("session: Config.Adapter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatGrace < cfg.HeartbeatInterval {
		cfg.HeartbeatGrace = 3 * cfg.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Retention.MaxEnvelopes == 0 && cfg.Retention.MaxAge == 0 {
		cfg.Retention = replay.Retention{MaxEnvelopes: replay.DefaultMaxEnvelopes, MaxAge: replay.DefaultMaxAge}
	}
	if cfg.MaxProtocolViolations <= 0 {
		cfg.MaxProtocolViolations = DefaultMaxViolations
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultOutboundQueue
	}

	m := &Manager{
		cfg:      cfg,
		adapter:  cfg.Adapter,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		bus:      cfg.Bus,
		projects: make(map[string]*project),
	}
	cfg.Adapter.OnAgentOutput(m.agentOutput)
	cfg.Adapter.OnPermissionRequest(m.agentPermission)
	cfg.Adapter.OnProgressEvent(m.agentProgress)
	cfg.Adapter.OnSessionID(m.agentSessionChanged)
	return m
}

func (m *Manager) lookup(projectID string) *project {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projects[projectID]
}

func (m *Manager) get(projectID string) (*project, error) {
	if p := m.lookup(projectID); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
}

// getOrCreate returns the project, starting its worker if it is new.
func (m *Manager) getOrCreate(projectID string) (*project, bool, error) {
	if p := m.lookup(projectID); p != nil {
		return p, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if p, ok := m.projects[projectID]; ok {
		return p, false, nil
	}
	p := newProject(m, projectID)
	m.projects[projectID] = p
	go p.run()
	return p, true, nil
}

// discard removes a project created by a connect attempt that never
// committed, provided nothing else has touched it since.
func (m *Manager) discard(p *project, attempt uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.projects[p.id] != p {
		return
	}
	var idle bool
	_ = p.call(context.Background(), func() {
		idle = p.fresh && p.attempt == attempt && p.sess == nil && !p.initialized
		if idle {
			p.perms.Stop()
		}
	})
	if !idle {
		return
	}
	delete(m.projects, p.id)
	p.stop()
	m.logger.Debug("discarded unconnected project", "project_id", p.id)
}

// Restored is a project loaded from persistence at startup.
type Restored struct {
	ID             string
	Path           string
	RepoURL        string
	AgentSessionID string
	Initialized    bool
	State          string
	Snapshot       *protocol.Snapshot
}

// Restore registers a persisted project. Envelope numbering continues after
// the snapshot's latest id; clients further behind resync. Permission
// requests that were pending belonged to a previous agent process and are
// dropped.
func (m *Manager) Restore(r Restored) error {
	if r.ID == "" {
		return errors.New("session: restore requires a project id")
	}
	p, created, err := m.getOrCreate(r.ID)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("session: project %s already active", r.ID)
	}
	return p.call(context.Background(), func() {
		p.fresh = false
		p.path = r.Path
		p.repoURL = r.RepoURL
		p.agentSessionID = r.AgentSessionID
		p.initialized = r.Initialized
		p.machine.Restore(stateOf(r.State))
		if snap := r.Snapshot; snap != nil {
			p.buffer.Reset(snap.LatestID)
			p.restoreTree(snap.Progress)
			p.abandonPermissions(snap.Permissions)
		}
		p.inboundUnknown = true
		if r.Path != "" {
			m.adapter.Bind(r.ID, r.Path, r.AgentSessionID)
		}
	})
}

// Snapshot returns the current full view of a project.
func (m *Manager) Snapshot(ctx context.Context, projectID string) (protocol.Snapshot, error) {
	p, err := m.get(projectID)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	var snap protocol.Snapshot
	err = p.call(ctx, func() { snap = p.snapshot() })
	return snap, err
}

// ProjectStatus is a summary row for listings.
type ProjectStatus struct {
	ID             string    `json:"id"`
	Path           string    `json:"path,omitempty"`
	State          string    `json:"state"`
	Initialized    bool      `json:"initialized"`
	Attached       bool      `json:"attached"`
	IdentityID     string    `json:"identity_id,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	LatestID       uint64    `json:"latest_id"`
	Buffered       int       `json:"buffered"`
	Pending        int       `json:"pending_permissions"`
	Nodes          int       `json:"progress_nodes"`
	Since          time.Time `json:"since,omitempty"`
}

// List reports every project, sorted by id. Projects whose worker does not
// answer before ctx ends are omitted.
func (m *Manager) List(ctx context.Context) []ProjectStatus {
	m.mu.RLock()
	ps := make([]*project, 0, len(m.projects))
	for _, p := range m.projects {
		ps = append(ps, p)
	}
	m.mu.RUnlock()

	out := make([]ProjectStatus, 0, len(ps))
	for _, p := range ps {
		var st ProjectStatus
		if err := p.call(ctx, func() { st = p.status() }); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune applies age retention to every replay buffer and forgets permission
// requests resolved before the replay window. Returns envelopes dropped.
func (m *Manager) Prune(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	ps := make([]*project, 0, len(m.projects))
	for _, p := range m.projects {
		ps = append(ps, p)
	}
	m.mu.RUnlock()

	total := 0
	for _, p := range ps {
		_ = p.call(ctx, func() {
			total += p.buffer.Prune(now)
			if age := m.cfg.Retention.MaxAge; age > 0 {
				p.perms.Forget(now.Add(-age))
			}
		})
	}
	return total
}

// Close detaches every session, publishes a final snapshot per project and
// stops all workers. Agents are left to the adapter's owner.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ps := make([]*project, 0, len(m.projects))
	for _, p := range m.projects {
		ps = append(ps, p)
	}
	m.mu.Unlock()

	var errs []error
	for _, p := range ps {
		err := p.call(ctx, func() {
			if s := p.sess; s != nil {
				p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, "server shutting down")
			}
			p.perms.Stop()
			p.publishSnapshot()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.id, err))
		}
		p.stop()
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(topic string, payload any) {
	m.bus.Publish(topic, payload)
}

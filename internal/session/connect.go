package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawremote/internal/audit"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/clock"
	"github.com/basket/clawremote/internal/connstate"
	otelPkg "github.com/basket/clawremote/internal/otel"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/replay"
	"github.com/basket/clawremote/internal/shared"
)

// session is one authenticated client connection attached to a project.
// Fields are owned by the project worker; out is drained by writeLoop.
type session struct {
	connID     string
	grant      auth.Grant
	transport  Transport
	out        chan protocol.Envelope
	outClosed  bool
	stop       chan struct{}
	ticker     clock.Ticker
	lastHeard  time.Time
	attachedAt time.Time

	// disconnecting: the client asked to detach; the writer is flushing.
	disconnecting bool
	// Set before out is closed and read by the writer afterwards.
	closeKind   protocol.ErrorKind
	closeReason string
}

// Connect runs the handshake on transport and, when it succeeds, attaches
// the connection to hello.ProjectID, replaying what the client missed since
// hello.LastSeenID. A handshake that fails or is cancelled leaves the
// project, and any session already attached to it, as it was. The returned
// id identifies the connection in OnReceive and TransportClosed; it is
// taken from ctx (shared.WithConnID) when present.
func (m *Manager) Connect(ctx context.Context, hello protocol.Hello, transport Transport, handshake Handshake) (string, error) {
	if hello.ProjectID == "" {
		return "", protocol.NewError(protocol.KindProtocolViolation, "", "hello", errors.New("project id required"))
	}
	pid := hello.ProjectID
	connID := shared.ConnID(ctx)
	if connID == "" {
		connID = shared.NewConnID()
	}
	ctx, span := otelPkg.StartServerSpan(ctx, m.tracer, "session.connect",
		otelPkg.AttrProjectID.String(pid),
		otelPkg.AttrIdentityID.String(hello.IdentityID),
		otelPkg.AttrConnID.String(connID),
	)
	defer span.End()
	start := m.clock.Now()

	// Nothing about the project changes until the peer has authenticated: a
	// failed handshake leaves an attached session and the state as they were.
	initialized, err := m.admit(ctx, pid)
	if err != nil {
		return "", m.connectFailed(ctx, span, hello, err, start)
	}
	grant, err := m.runHandshake(ctx, pid, handshake)
	if err == nil && initialized {
		err = m.ping(ctx, pid)
	}
	if err != nil {
		return "", m.connectFailed(ctx, span, hello, err, start)
	}

	p, _, err := m.getOrCreate(pid)
	if err != nil {
		return "", err
	}
	var (
		cerr    error
		drop    bool
		attempt uint64
	)
	// Not cancellable: an authenticated attempt is either committed or failed.
	_ = p.call(context.Background(), func() {
		cerr = p.commitConnect(hello, transport, grant, connID)
		attempt = p.attempt
		drop = cerr != nil && p.fresh
	})
	if cerr != nil {
		if drop {
			m.discard(p, attempt)
		}
		return "", m.connectFailed(ctx, span, hello, cerr, start)
	}

	elapsed := m.clock.Now().Sub(start).Seconds()
	m.cfg.Metrics.Handshake(ctx, pid, "", elapsed)
	audit.Record(audit.DecisionAllow, audit.ActionHandshake, "fingerprint "+grant.Fingerprint, pid, grant.IdentityID)
	m.publish(bus.TopicAuth, bus.AuthEvent{ProjectID: pid, IdentityID: grant.IdentityID, Success: true})
	m.logger.Info("client connected", "project_id", pid, "identity_id", grant.IdentityID, "conn_id", connID, "last_seen_id", hello.LastSeenID)
	return connID, nil
}

func (m *Manager) connectFailed(ctx context.Context, span trace.Span, hello protocol.Hello, err error, start time.Time) error {
	kind := protocol.KindOf(err)
	if errors.Is(err, context.Canceled) {
		m.logger.Info("connect cancelled", "project_id", hello.ProjectID, "identity_id", hello.IdentityID)
		return err
	}
	otelPkg.Fail(span, err, string(kind))
	m.cfg.Metrics.Handshake(ctx, hello.ProjectID, string(kind), m.clock.Now().Sub(start).Seconds())
	audit.Record(audit.DecisionDeny, audit.ActionHandshake, err.Error(), hello.ProjectID, hello.IdentityID)
	m.publish(bus.TopicAuth, bus.AuthEvent{
		ProjectID:  hello.ProjectID,
		IdentityID: hello.IdentityID,
		Success:    false,
		Reason:     string(kind),
	})
	m.logger.Warn("connect failed", "project_id", hello.ProjectID, "identity_id", hello.IdentityID, "kind", kind, "error", err)
	return err
}

func (m *Manager) runHandshake(ctx context.Context, projectID string, handshake Handshake) (auth.Grant, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	grant, err := handshake(hctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return auth.Grant{}, ctx.Err()
	case errors.Is(hctx.Err(), context.DeadlineExceeded):
		return auth.Grant{}, protocol.NewError(protocol.KindHandshakeTimeout, projectID, "handshake", err)
	case protocol.KindOf(err) == protocol.KindInternal:
		return auth.Grant{}, protocol.NewError(protocol.KindAuthFailed, projectID, "handshake", err)
	default:
		return auth.Grant{}, err
	}
	if grant.ProjectID != projectID {
		return auth.Grant{}, protocol.NewError(protocol.KindAuthFailed, projectID, "handshake",
			fmt.Errorf("grant issued for project %q", grant.ProjectID))
	}
	return grant, nil
}

func (m *Manager) ping(ctx context.Context, projectID string) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	if err := m.adapter.Ping(pctx, projectID); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return protocol.NewError(protocol.KindAgentUnreachable, projectID, "ping", err)
	}
	return nil
}

// admit reports whether an existing project would accept a connection and
// whether its agent must be pinged first. It does not change the project.
func (m *Manager) admit(ctx context.Context, projectID string) (bool, error) {
	p := m.lookup(projectID)
	if p == nil {
		return false, nil
	}
	var (
		initialized bool
		rejected    error
	)
	if err := p.call(ctx, func() {
		rejected = p.acceptsConnect()
		initialized = p.initialized
	}); err != nil {
		return false, err
	}
	return initialized, rejected
}

func (p *project) acceptsConnect() error {
	if p.shuttingDown || p.machine.State() == connstate.Shutdown {
		return protocol.NewError(protocol.KindInvalidState, p.id, "connect", errors.New("project is shutting down"))
	}
	return nil
}

// commitConnect attaches an authenticated connection. An attached session
// or an attempt still awaiting project_init is superseded.
func (p *project) commitConnect(hello protocol.Hello, tr Transport, grant auth.Grant, connID string) error {
	if err := p.acceptsConnect(); err != nil {
		return err
	}
	if s := p.sess; s != nil {
		p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, "replaced by a new connection")
	}
	if p.machine.State() == connstate.Connecting {
		p.fire(connstate.EventConnectFailed)
	}
	p.attempt++
	p.fire(connstate.EventConnect)
	p.attach(connID, grant, tr, hello.LastSeenID)
	return nil
}

// attach installs the session and starts its writer and heartbeat. An
// initialized project becomes CONNECTED; a new one stays CONNECTING until
// project_init completes.
func (p *project) attach(connID string, grant auth.Grant, tr Transport, lastSeen uint64) {
	now := p.m.clock.Now()
	s := &session{
		connID:    connID,
		grant:     grant,
		transport: tr,
		// Room for a full replay on top of the live queue.
		out:        make(chan protocol.Envelope, p.m.cfg.OutboundQueue+p.buffer.Len()+4),
		stop:       make(chan struct{}),
		ticker:     p.m.clock.NewTicker(p.m.cfg.HeartbeatInterval),
		lastHeard:  now,
		attachedAt: now,
	}
	p.sess = s
	p.violations = 0
	wasFresh := p.fresh
	p.fresh = false
	p.m.cfg.Metrics.SessionDelta(context.Background(), 1)
	go p.writeLoop(s)
	go p.heartbeatLoop(s)

	if p.initialized {
		p.fire(connstate.EventConnected)
	} else if wasFresh {
		p.publishSnapshot()
	}
	p.resume(s, lastSeen)
}

// resume announces the session and brings the client up to date.
func (p *project) resume(s *session, lastSeen uint64) {
	res := p.buffer.Since(lastSeen)
	ready := protocol.SessionReady{
		State:            string(p.machine.State()),
		LatestID:         res.LatestID,
		InboundWatermark: p.inbound.Last(),
		Initialized:      p.initialized,
		AgentSessionID:   p.agentSessionID,
	}
	if !res.Resync {
		ready.Replaying = len(res.Envelopes)
	}
	p.direct(s, protocol.TypeSessionReady, ready)
	p.deliverSince(s, lastSeen, res)
}

// catchUp resends every buffered envelope after lastSeen, or signals a
// resync with a snapshot when lastSeen is outside retention.
func (p *project) catchUp(s *session, lastSeen uint64) {
	p.deliverSince(s, lastSeen, p.buffer.Since(lastSeen))
}

func (p *project) deliverSince(s *session, lastSeen uint64, res replay.Result) {
	ctx := context.Background()
	if res.Resync {
		p.logger.Info("client outside replay window, resyncing",
			"last_seen_id", lastSeen, "oldest_id", res.OldestID, "latest_id", res.LatestID)
		p.m.cfg.Metrics.Resync(ctx, p.id)
		p.direct(s, protocol.TypeResyncRequired, protocol.ResyncRequired{
			LastSeenID: lastSeen,
			OldestID:   res.OldestID,
			LatestID:   res.LatestID,
		})
		p.direct(s, protocol.TypeSnapshot, p.snapshot())
		return
	}
	for _, env := range res.Envelopes {
		p.deliver(s, env)
	}
	if n := len(res.Envelopes); n > 0 {
		p.m.cfg.Metrics.Replayed(ctx, p.id, n)
		p.logger.Debug("replayed envelopes", "count", n, "after_id", lastSeen)
	}
}

// finish detaches s. Queued frames are still flushed before the transport
// is closed with kind and reason. ev, if set, is fired afterwards.
func (p *project) finish(s *session, ev connstate.Event, kind protocol.ErrorKind, reason string) {
	if p.sess != s {
		return
	}
	p.sess = nil
	close(s.stop)
	if !s.outClosed {
		s.closeKind, s.closeReason = kind, reason
		s.outClosed = true
		close(s.out)
	}
	p.m.cfg.Metrics.SessionDelta(context.Background(), -1)
	p.logger.Info("session detached", "conn_id", s.connID, "reason", reason)
	if ev != "" {
		p.fire(ev)
	}
}

func (p *project) writeLoop(s *session) {
	for env := range s.out {
		ctx, cancel := context.WithTimeout(context.Background(), p.m.cfg.WriteTimeout)
		err := s.transport.Send(ctx, env)
		cancel()
		if err != nil {
			_ = s.transport.Close(protocol.KindTransportLost, "write failed")
			p.post(func() {
				if p.sess == s {
					p.logger.Warn("write to client failed", "conn_id", s.connID, "error", err)
					p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, "write failed")
				}
			})
			return
		}
	}
	_ = s.transport.Close(s.closeKind, s.closeReason)
	p.post(func() {
		if p.sess == s && s.disconnecting {
			p.finish(s, connstate.EventTransportClosed, "", "disconnected")
		}
	})
}

func (p *project) heartbeatLoop(s *session) {
	defer s.ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-s.ticker.C():
			if !p.post(func() { p.heartbeat(s, now) }) {
				return
			}
		}
	}
}

// heartbeat drops a session that has been silent past the grace window or
// whose token is no longer valid, and otherwise pings the client.
func (p *project) heartbeat(s *session, now time.Time) {
	if p.sess != s {
		return
	}
	if silent := now.Sub(s.lastHeard); silent > p.m.cfg.HeartbeatGrace {
		p.logger.Warn("client silent past grace window", "conn_id", s.connID, "silent_for", silent)
		p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, "heartbeat timeout")
		return
	}
	if tokens := p.m.cfg.Tokens; tokens != nil {
		if _, err := tokens.Validate(s.grant.Token); err != nil {
			p.sendError(s, protocol.NewError(protocol.KindAuthFailed, p.id, "token", err))
			p.finish(s, connstate.EventTransportLost, protocol.KindAuthFailed, "session token no longer valid")
			return
		}
	}
	p.direct(s, protocol.TypeHeartbeat, protocol.Heartbeat{SentAt: now.UTC()})
}

// TransportClosed reports that the transport behind connID went away. After
// a requested disconnect this completes it; otherwise it is a transport loss
// and all project state is kept.
func (m *Manager) TransportClosed(projectID, connID string, cause error) {
	p := m.lookup(projectID)
	if p == nil {
		return
	}
	p.post(func() {
		s := p.sess
		if s == nil || s.connID != connID {
			return
		}
		if s.disconnecting {
			p.finish(s, connstate.EventTransportClosed, "", "disconnected")
			return
		}
		reason := "transport closed"
		if cause != nil {
			reason = cause.Error()
		}
		p.finish(s, connstate.EventTransportLost, protocol.KindTransportLost, reason)
	})
}

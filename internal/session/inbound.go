package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawremote/internal/audit"
	"github.com/basket/clawremote/internal/connstate"
	"github.com/basket/clawremote/internal/permission"
	"github.com/basket/clawremote/internal/protocol"
	"github.com/basket/clawremote/internal/replay"
)

// OnReceive hands an inbound envelope from connID to its project. Envelopes
// from a connection that is no longer attached are dropped.
func (m *Manager) OnReceive(projectID, connID string, env protocol.Envelope) error {
	p, err := m.get(projectID)
	if err != nil {
		return err
	}
	at := m.clock.Now()
	if !p.post(func() { p.receive(connID, env, at) }) {
		return ErrClosed
	}
	return nil
}

func (p *project) receive(connID string, env protocol.Envelope, at time.Time) {
	s := p.sess
	if s == nil || s.connID != connID {
		p.logger.Debug("dropped envelope from detached connection", "conn_id", connID, "type", env.Type)
		return
	}
	if at.After(s.lastHeard) {
		s.lastHeard = at
	}
	p.m.cfg.Metrics.Received(context.Background(), p.id, string(env.Type))

	if !protocol.Sequenced(env.Type) {
		p.receiveUnsequenced(s, env)
		return
	}
	if env.ID == 0 {
		p.violation(s, fmt.Errorf("%s envelope without id", env.Type))
		return
	}
	if p.inboundUnknown {
		p.inbound.Set(env.ID - 1)
		p.inboundUnknown = false
	}
	switch p.inbound.Observe(env.ID) {
	case replay.Duplicate:
		p.logger.Debug("duplicate inbound envelope ignored", "envelope_id", env.ID, "type", env.Type)
		return
	case replay.Gap:
		last := p.inbound.Last()
		p.direct(s, protocol.TypeReplayRequest, protocol.ReplayRequest{AfterID: last})
		p.violation(s, fmt.Errorf("inbound id %d does not follow %d", env.ID, last))
		return
	}

	payload, err := env.Decode()
	if errors.Is(err, protocol.ErrUnknownType) {
		p.logger.Debug("ignoring unknown envelope type", "type", env.Type, "envelope_id", env.ID)
		return
	}
	if err != nil {
		p.violation(s, err)
		return
	}
	p.violations = 0

	switch v := payload.(type) {
	case *protocol.Command:
		p.command(s, v.Text)
	case *protocol.PermissionResponse:
		p.respond(s, *v)
	case *protocol.SessionControl:
		p.control(s, *v)
	case *protocol.ProjectInit:
		if err := p.startInit(*v, nil); err != nil {
			p.sendError(s, err)
		}
	default:
		p.violation(s, fmt.Errorf("%s is not accepted from clients", env.Type))
	}
}

func (p *project) receiveUnsequenced(s *session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
	case protocol.TypeReplayRequest:
		var req protocol.ReplayRequest
		if err := env.DecodeInto(&req); err != nil {
			p.violation(s, err)
			return
		}
		p.catchUp(s, req.AfterID)
	case protocol.TypeError:
		var body protocol.ErrorBody
		_ = env.DecodeInto(&body)
		p.logger.Warn("client reported error", "kind", body.Kind, "detail", body.Detail)
	default:
		p.violation(s, fmt.Errorf("unexpected %s after handshake", env.Type))
	}
}

// violation reports a malformed or out-of-order envelope. Past the
// configured ceiling of consecutive violations the session is closed.
func (p *project) violation(s *session, err error) {
	p.violations++
	p.m.cfg.Metrics.Violation(context.Background(), p.id)
	p.logger.Warn("protocol violation", "count", p.violations, "error", err)
	p.sendError(s, protocol.NewError(protocol.KindProtocolViolation, p.id, "receive", err))
	if p.violations > p.m.cfg.MaxProtocolViolations {
		p.finish(s, connstate.EventTransportLost, protocol.KindProtocolViolation, "too many protocol violations")
	}
}

func (p *project) command(s *session, text string) {
	if st := p.machine.State(); st != connstate.Connected || !p.initialized {
		p.sendError(s, protocol.NewError(protocol.KindInvalidState, p.id, "command", fmt.Errorf("project is %s", st)))
		return
	}
	p.agentQ.push(func() {
		if err := p.m.adapter.SendCommand(p.ctx, p.id, text); err != nil {
			p.post(func() {
				p.logger.Warn("send command to agent failed", "error", err)
				p.sendError(p.sess, protocol.NewError(protocol.KindAgentUnreachable, p.id, "command", err))
			})
		}
	})
}

func (p *project) respond(s *session, resp protocol.PermissionResponse) {
	_, err := p.perms.Respond(resp.RequestID, resp.Decision)
	switch {
	case err == nil:
		p.drainResolved()
	case errors.Is(err, permission.ErrAlreadyResolved):
		p.sendError(s, protocol.NewError(protocol.KindDuplicateResponse, p.id, "permission", err))
	case errors.Is(err, permission.ErrUnknownRequest):
		p.sendError(s, protocol.NewError(protocol.KindUnknownPermission, p.id, "permission", err))
	default:
		p.violation(s, err)
	}
}

func (p *project) control(s *session, sc protocol.SessionControl) {
	switch sc.Action {
	case protocol.ActionResume:
		p.resume(s, sc.LastSeenID)
	case protocol.ActionSnapshot:
		p.direct(s, protocol.TypeSnapshot, p.snapshot())
	case protocol.ActionDisconnect:
		if err := p.disconnect(); err != nil {
			p.sendError(s, err)
		}
	case protocol.ActionShutdown:
		if err := p.startShutdown(context.Background(), nil); err != nil {
			p.sendError(s, err)
		}
	case protocol.ActionRenew:
		p.renew(s)
	}
}

func (p *project) renew(s *session) {
	tokens := p.m.cfg.Tokens
	if tokens == nil {
		p.sendError(s, protocol.NewError(protocol.KindInvalidState, p.id, "renew", errors.New("token renewal not available")))
		return
	}
	g, err := tokens.Renew(s.grant.Token)
	if err != nil {
		audit.Record(audit.DecisionDeny, audit.ActionTokenRenew, err.Error(), p.id, s.grant.IdentityID)
		p.sendError(s, protocol.NewError(protocol.KindAuthFailed, p.id, "renew", err))
		p.finish(s, connstate.EventTransportLost, protocol.KindAuthFailed, "token renewal failed")
		return
	}
	s.grant = g
	audit.Record(audit.DecisionAllow, audit.ActionTokenRenew, "renewed", p.id, g.IdentityID)
	expires := g.ExpiresAt
	p.emit(protocol.TypeSessionControl, protocol.SessionControl{
		Action:    protocol.ActionRenew,
		Token:     g.Token,
		ExpiresAt: &expires,
		State:     string(p.machine.State()),
	})
}

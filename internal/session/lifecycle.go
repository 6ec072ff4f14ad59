package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawremote/internal/audit"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/connstate"
	otelPkg "github.com/basket/clawremote/internal/otel"
	"github.com/basket/clawremote/internal/permission"
	"github.com/basket/clawremote/internal/progress"
	"github.com/basket/clawremote/internal/protocol"
)

// Send queues an envelope for the project's client. Sequenced types are
// numbered and buffered for replay; the rest go to the attached session
// only.
func (m *Manager) Send(ctx context.Context, projectID string, t protocol.Type, payload any) error {
	p, err := m.get(projectID)
	if err != nil {
		return err
	}
	var serr error
	if err := p.call(ctx, func() {
		if protocol.Sequenced(t) {
			serr = p.emit(t, payload)
			return
		}
		if p.sess == nil {
			serr = protocol.NewError(protocol.KindTransportLost, p.id, "send", errors.New("no client attached"))
			return
		}
		p.direct(p.sess, t, payload)
	}); err != nil {
		return err
	}
	return serr
}

// Disconnect detaches the client and leaves the agent running. The
// transport is closed once queued frames are flushed.
func (m *Manager) Disconnect(ctx context.Context, projectID string) error {
	p, err := m.get(projectID)
	if err != nil {
		return err
	}
	var derr error
	if err := p.call(ctx, func() { derr = p.disconnect() }); err != nil {
		return err
	}
	return derr
}

func (p *project) disconnect() error {
	s := p.sess
	if st := p.machine.State(); st != connstate.Connected || s == nil {
		return protocol.NewError(protocol.KindInvalidState, p.id, "disconnect", fmt.Errorf("project is %s", st))
	}
	p.fire(connstate.EventDisconnect)
	p.emit(protocol.TypeSessionControl, protocol.SessionControl{
		Action: protocol.ActionDisconnect,
		State:  string(p.machine.State()),
	})
	s.disconnecting = true
	s.outClosed = true
	close(s.out)
	return nil
}

// Shutdown stops the project's agent and everything it spawned. Once
// accepted it cannot be cancelled: ctx only bounds how long the caller
// waits. Failure leaves the project in SHUTDOWN until retried.
func (m *Manager) Shutdown(ctx context.Context, projectID string) error {
	p, err := m.get(projectID)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	var serr error
	if err := p.call(ctx, func() { serr = p.startShutdown(ctx, result) }); err != nil {
		return err
	}
	if serr != nil {
		return serr
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *project) startShutdown(ctx context.Context, result chan error) error {
	if p.shuttingDown {
		if result != nil {
			p.shutdownWait = append(p.shutdownWait, result)
		}
		return nil
	}
	switch st := p.machine.State(); st {
	case connstate.Connected, connstate.Connecting, connstate.Shutdown:
	default:
		return protocol.NewError(protocol.KindInvalidState, p.id, "shutdown", fmt.Errorf("project is %s", st))
	}
	p.fire(connstate.EventShutdown)
	p.shuttingDown = true
	if result != nil {
		p.shutdownWait = append(p.shutdownWait, result)
	}
	p.emit(protocol.TypeSessionControl, protocol.SessionControl{
		Action: protocol.ActionShutdown,
		State:  string(connstate.Shutdown),
	})

	subject := ""
	if s := p.sess; s != nil {
		subject = s.grant.IdentityID
	}
	start := p.m.clock.Now()
	ctx = context.WithoutCancel(ctx)
	go func() {
		tctx, cancel := context.WithTimeout(ctx, p.m.cfg.ShutdownTimeout)
		defer cancel()
		tctx, span := otelPkg.StartClientSpan(tctx, p.m.tracer, "agent.terminate", otelPkg.AttrProjectID.String(p.id))
		err := p.m.adapter.Terminate(tctx, p.id)
		otelPkg.Fail(span, err, "")
		span.End()
		p.post(func() { p.shutdownDone(err, start, subject) })
	}()
	p.logger.Info("agent shutdown requested", "identity_id", subject)
	return nil
}

func (p *project) shutdownDone(err error, start time.Time, subject string) {
	p.shuttingDown = false
	waiters := p.shutdownWait
	p.shutdownWait = nil
	reply := func(err error) {
		for _, w := range waiters {
			w <- err
		}
	}

	if err != nil {
		serr := protocol.NewError(protocol.KindShutdownFailed, p.id, "terminate", err)
		p.logger.Error("agent shutdown failed", "error", err)
		audit.Record(audit.DecisionDeny, audit.ActionShutdown, err.Error(), p.id, subject)
		p.sendError(p.sess, serr)
		reply(serr)
		return
	}

	elapsed := p.m.clock.Now().Sub(start)
	p.m.cfg.Metrics.AgentShutdown(context.Background(), p.id, elapsed.Seconds())
	audit.Record(audit.DecisionAllow, audit.ActionShutdown, "agent terminated", p.id, subject)
	p.fire(connstate.EventTerminated)
	p.emit(protocol.TypeSessionControl, protocol.SessionControl{
		Action: protocol.ActionShutdown,
		State:  string(p.machine.State()),
	})
	if s := p.sess; s != nil {
		p.finish(s, "", "", "agent shut down")
	}
	p.logger.Info("agent shut down", "elapsed", elapsed)
	reply(nil)
}

type initResult struct {
	complete protocol.ProjectInitComplete
	err      error
}

// InitProject prepares a new project for the connection awaiting it:
// clone or create the directory, bind an agent session, then move the
// project to CONNECTED. Progress and the outcome are also sent to the
// client as clone_progress and project_init_complete.
func (m *Manager) InitProject(ctx context.Context, projectID string, req protocol.ProjectInit) (protocol.ProjectInitComplete, error) {
	p, err := m.get(projectID)
	if err != nil {
		return protocol.ProjectInitComplete{}, err
	}
	result := make(chan initResult, 1)
	var ierr error
	if err := p.call(ctx, func() { ierr = p.startInit(req, result) }); err != nil {
		return protocol.ProjectInitComplete{}, err
	}
	if ierr != nil {
		return protocol.ProjectInitComplete{}, ierr
	}
	select {
	case r := <-result:
		return r.complete, r.err
	case <-ctx.Done():
		return protocol.ProjectInitComplete{}, ctx.Err()
	}
}

func (p *project) startInit(req protocol.ProjectInit, result chan initResult) error {
	switch {
	case p.initialized:
		return protocol.NewError(protocol.KindInvalidState, p.id, "init", errors.New("project already initialized"))
	case p.initRunning:
		return protocol.NewError(protocol.KindInvalidState, p.id, "init", errors.New("initialization already running"))
	case p.sess == nil || p.machine.State() != connstate.Connecting:
		return protocol.NewError(protocol.KindInvalidState, p.id, "init",
			fmt.Errorf("project is %s without a connection awaiting initialization", p.machine.State()))
	}
	p.initRunning = true
	p.path = req.ProjectPath
	p.repoURL = req.RepositoryURL
	p.logger.Info("project init started", "path", req.ProjectPath, "repository_url", req.RepositoryURL)

	go func() {
		ctx, span := otelPkg.StartClientSpan(p.ctx, p.m.tracer, "agent.init_project", otelPkg.AttrProjectID.String(p.id))
		sid, err := p.m.adapter.InitProject(ctx, p.id, req, func(cp protocol.CloneProgress) {
			p.post(func() { p.emit(protocol.TypeCloneProgress, cp) })
		})
		otelPkg.Fail(span, err, "")
		span.End()
		p.post(func() { p.initDone(sid, err, result) })
	}()
	return nil
}

func (p *project) initDone(sessionID string, err error, result chan initResult) {
	p.initRunning = false
	var r initResult
	defer func() {
		if result != nil {
			result <- r
		}
	}()

	if err != nil {
		ierr := protocol.NewError(protocol.KindInitFailed, p.id, "init", err)
		r = initResult{complete: protocol.ProjectInitComplete{Success: false, Error: err.Error()}, err: ierr}
		p.logger.Warn("project init failed", "error", err)
		p.emit(protocol.TypeProjectInitComplete, r.complete)
		p.m.publish(bus.TopicProjectInitialized, bus.ProjectInitializedEvent{
			ProjectID:   p.id,
			ProjectPath: p.path,
			Success:     false,
			Error:       err.Error(),
		})
		if s := p.sess; s != nil {
			p.sendError(s, ierr)
			if p.machine.State() == connstate.Connecting {
				p.finish(s, connstate.EventConnectFailed, protocol.KindInitFailed, "project init failed")
			}
		}
		return
	}

	p.initialized = true
	p.agentSessionID = sessionID
	r = initResult{complete: protocol.ProjectInitComplete{Success: true, SessionID: sessionID}}
	p.logger.Info("project initialized", "agent_session_id", sessionID)
	p.emit(protocol.TypeProjectInitComplete, r.complete)
	p.m.publish(bus.TopicProjectInitialized, bus.ProjectInitializedEvent{
		ProjectID:   p.id,
		ProjectPath: p.path,
		SessionID:   sessionID,
		Success:     true,
	})
	if p.sess != nil && p.machine.State() == connstate.Connecting {
		p.fire(connstate.EventConnected)
		return
	}
	p.publishSnapshot()
}

func (m *Manager) toProject(projectID, what string, fn func(*project)) {
	p := m.lookup(projectID)
	if p == nil {
		m.logger.Warn("agent event for unknown project dropped", "project_id", projectID, "event", what)
		return
	}
	p.post(func() { fn(p) })
}

func (m *Manager) agentOutput(projectID string, out protocol.AgentOutput) {
	m.toProject(projectID, "output", func(p *project) {
		p.emit(protocol.TypeAgentOutput, out)
	})
}

func (m *Manager) agentPermission(projectID string, in protocol.PermissionRequest) {
	m.toProject(projectID, "permission_request", func(p *project) {
		req, err := p.perms.Open(in)
		if err != nil {
			p.logger.Warn("permission request rejected", "request_id", in.ID, "error", err)
			return
		}
		p.logger.Info("permission requested", "request_id", req.ID, "timeout", req.Timeout, "default_policy", req.DefaultPolicy)
		p.emit(protocol.TypePermissionRequest, req.Wire())
	})
}

func (m *Manager) agentProgress(projectID string, ev protocol.ProgressEvent) {
	m.toProject(projectID, "progress_event", func(p *project) {
		upd, err := p.tree.Apply(ev)
		if err != nil {
			reason := anomalyReason(err)
			p.logger.Warn("progress anomaly", "node_id", ev.NodeID, "reason", reason, "error", err)
			p.m.cfg.Metrics.Anomaly(context.Background(), p.id, reason)
			p.m.publish(bus.TopicProgressAnomaly, bus.ProgressAnomalyEvent{ProjectID: p.id, NodeID: ev.NodeID, Reason: reason})
			return
		}
		if upd.Placeholder != "" {
			p.logger.Debug("progress parent not seen yet, placeholder created", "node_id", ev.NodeID, "parent_id", upd.Placeholder)
		}
		p.emit(protocol.TypeProgressEvent, ev)
	})
}

// abandonPermissions settles requests that were pending when the previous
// run stopped. The agent that asked is gone, so each one is announced as
// timed out under its default policy and is not sent to the adapter.
func (p *project) abandonPermissions(pending []protocol.PermissionRequest) {
	for _, in := range pending {
		req, err := p.perms.Abandon(in)
		if err != nil {
			p.logger.Warn("restored permission request skipped", "request_id", in.ID, "error", err)
			continue
		}
		p.logger.Info("permission request from previous run timed out", "request_id", req.ID, "decision", req.Decision())
		auditDecision := audit.DecisionDeny
		if req.Decision() == protocol.DecisionAllow {
			auditDecision = audit.DecisionAllow
		}
		audit.Record(auditDecision, audit.ActionPermission, "timed-out at restart: "+req.Description, p.id, "")
		_ = p.emit(protocol.TypePermissionResolved, req.Resolved())
	}
}

// agentSessionChanged records the session id the agent now runs under so
// that a restart resumes it.
func (m *Manager) agentSessionChanged(projectID, sessionID string) {
	m.toProject(projectID, "session_id", func(p *project) {
		if sessionID == "" || sessionID == p.agentSessionID {
			return
		}
		p.logger.Info("agent session changed", "previous", p.agentSessionID, "agent_session_id", sessionID)
		p.agentSessionID = sessionID
		p.publishSnapshot()
	})
}

func anomalyReason(err error) string {
	switch {
	case errors.Is(err, progress.ErrTerminal):
		return "terminal"
	case errors.Is(err, progress.ErrRegression):
		return "regression"
	case errors.Is(err, progress.ErrInvalidStatus):
		return "invalid_status"
	case errors.Is(err, progress.ErrInvalidPercentage):
		return "invalid_percentage"
	case errors.Is(err, progress.ErrParentConflict):
		return "parent_conflict"
	case errors.Is(err, progress.ErrCycle):
		return "cycle"
	}
	return "invalid"
}

// permissionResolved tells the agent and the client about a terminal
// outcome. It runs once per request.
func (p *project) permissionResolved(req permission.Request) {
	decision := req.Decision()
	p.agentQ.push(func() {
		if err := p.m.adapter.ResolvePermission(p.ctx, p.id, req.ID, decision); err != nil {
			p.logger.Warn("deliver permission decision to agent failed", "request_id", req.ID, "error", err)
		}
	})
	p.emit(protocol.TypePermissionResolved, req.Resolved())

	p.m.cfg.Metrics.Permission(context.Background(), p.id, string(req.Resolution), req.ResolvedAt.Sub(req.IssuedAt).Seconds())
	auditDecision := audit.DecisionDeny
	if decision == protocol.DecisionAllow {
		auditDecision = audit.DecisionAllow
	}
	subject := ""
	if s := p.sess; s != nil && req.Resolution != permission.TimedOut {
		subject = s.grant.IdentityID
	}
	audit.Record(auditDecision, audit.ActionPermission, string(req.Resolution)+": "+req.Description, p.id, subject)
	p.m.publish(bus.TopicPermissionResolved, bus.PermissionResolvedEvent{
		ProjectID:  p.id,
		RequestID:  req.ID,
		Resolution: string(req.Resolution),
		Decision:   string(decision),
		ResolvedAt: req.ResolvedAt,
	})
	p.logger.Info("permission resolved", "request_id", req.ID, "resolution", req.Resolution, "decision", decision)
}

// Package agenttest provides an in-memory agent.Adapter for tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/basket/clawremote/internal/agent"
	"github.com/basket/clawremote/internal/protocol"
)

// Resolution is one ResolvePermission call seen by the fake.
type Resolution struct {
	ProjectID string
	RequestID string
	Decision  protocol.Decision
}

// Adapter records calls and lets tests emit agent events. Zero value is
// ready to use.
type Adapter struct {
	mu sync.Mutex

	PingErr      error
	TerminateErr error
	// InitFunc, when set, replaces the default init behaviour (progress 0,
	// progress 100, session id "session-<project>").
	InitFunc func(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error)
	// TerminateGate, when set, blocks Terminate until it is closed.
	TerminateGate chan struct{}

	bindings    map[string]string
	commands    map[string][]string
	resolutions []Resolution
	terminated  []string
	pings       int

	onOutput     agent.OutputFunc
	onPermission agent.PermissionFunc
	onProgress   agent.ProgressFunc
	onSession    agent.SessionFunc
}

var _ agent.Adapter = (*Adapter)(nil)

func (f *Adapter) Bind(projectID, path, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindings == nil {
		f.bindings = make(map[string]string)
	}
	f.bindings[projectID] = sessionID
}

func (f *Adapter) Ping(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.PingErr
}

func (f *Adapter) SendCommand(ctx context.Context, projectID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commands == nil {
		f.commands = make(map[string][]string)
	}
	f.commands[projectID] = append(f.commands[projectID], text)
	return nil
}

func (f *Adapter) ResolvePermission(ctx context.Context, projectID, requestID string, d protocol.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, Resolution{projectID, requestID, d})
	return nil
}

func (f *Adapter) Terminate(ctx context.Context, projectID string) error {
	f.mu.Lock()
	gate := f.TerminateGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.terminated = append(f.terminated, projectID)
	return nil
}

func (f *Adapter) InitProject(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error) {
	f.mu.Lock()
	fn := f.InitFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, projectID, req, progress)
	}
	progress(protocol.CloneProgress{Percentage: 0, Status: "cloning"})
	progress(protocol.CloneProgress{Percentage: 100, Status: "done"})
	sid := "session-" + projectID
	f.Bind(projectID, req.ProjectPath, sid)
	return sid, nil
}

func (f *Adapter) OnAgentOutput(fn agent.OutputFunc) {
	f.mu.Lock()
	f.onOutput = fn
	f.mu.Unlock()
}

func (f *Adapter) OnPermissionRequest(fn agent.PermissionFunc) {
	f.mu.Lock()
	f.onPermission = fn
	f.mu.Unlock()
}

func (f *Adapter) OnProgressEvent(fn agent.ProgressFunc) {
	f.mu.Lock()
	f.onProgress = fn
	f.mu.Unlock()
}

func (f *Adapter) OnSessionID(fn agent.SessionFunc) {
	f.mu.Lock()
	f.onSession = fn
	f.mu.Unlock()
}

// EmitSessionID simulates the agent reporting a new session id.
func (f *Adapter) EmitSessionID(projectID, sessionID string) {
	f.mu.Lock()
	if f.bindings == nil {
		f.bindings = make(map[string]string)
	}
	f.bindings[projectID] = sessionID
	fn := f.onSession
	f.mu.Unlock()
	if fn != nil {
		fn(projectID, sessionID)
	}
}

// EmitOutput simulates agent output for projectID.
func (f *Adapter) EmitOutput(projectID, text string) {
	f.mu.Lock()
	fn := f.onOutput
	f.mu.Unlock()
	if fn != nil {
		fn(projectID, protocol.AgentOutput{Text: text, Stream: "stdout"})
	}
}

func (f *Adapter) EmitPermission(projectID string, req protocol.PermissionRequest) {
	f.mu.Lock()
	fn := f.onPermission
	f.mu.Unlock()
	if fn != nil {
		fn(projectID, req)
	}
}

func (f *Adapter) EmitProgress(projectID string, ev protocol.ProgressEvent) {
	f.mu.Lock()
	fn := f.onProgress
	f.mu.Unlock()
	if fn != nil {
		fn(projectID, ev)
	}
}

func (f *Adapter) Commands(projectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands[projectID]...)
}

func (f *Adapter) Resolutions() []Resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Resolution(nil), f.resolutions...)
}

func (f *Adapter) Terminated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func (f *Adapter) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// SessionID returns the session id last bound for projectID.
func (f *Adapter) SessionID(projectID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[projectID]
}

// SetInitFunc swaps InitFunc under the lock.
func (f *Adapter) SetInitFunc(fn func(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error)) {
	f.mu.Lock()
	f.InitFunc = fn
	f.mu.Unlock()
}

func (f *Adapter) SetPingErr(err error) {
	f.mu.Lock()
	f.PingErr = err
	f.mu.Unlock()
}

func (f *Adapter) SetTerminateErr(err error) {
	f.mu.Lock()
	f.TerminateErr = err
	f.mu.Unlock()
}

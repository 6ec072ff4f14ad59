// Package agent is the boundary between the session core and the coding
// agent process. The core only sees Adapter; Process runs one agent
// subprocess per project.
package agent

import (
	"context"
	"errors"

	"github.com/basket/clawremote/internal/protocol"
)

var (
	// ErrUnknownProject: no binding (path, session id) exists for the project.
	ErrUnknownProject = errors.New("agent: project not bound")
	// ErrNotRunning: the project's agent process is not running.
	ErrNotRunning = errors.New("agent: process not running")
)

// Callbacks are invoked from adapter goroutines and must not block.
type (
	OutputFunc     func(projectID string, out protocol.AgentOutput)
	PermissionFunc func(projectID string, req protocol.PermissionRequest)
	ProgressFunc   func(projectID string, ev protocol.ProgressEvent)
	SessionFunc    func(projectID, sessionID string)
)

// Adapter drives coding agents on behalf of the session manager.
type Adapter interface {
	// Bind records where a project lives and which agent session to resume.
	Bind(projectID, path, sessionID string)
	// Ping confirms the project's agent is reachable, starting it if needed.
	Ping(ctx context.Context, projectID string) error
	SendCommand(ctx context.Context, projectID, text string) error
	ResolvePermission(ctx context.Context, projectID, requestID string, d protocol.Decision) error
	// Terminate stops the agent and everything it spawned. It returns only
	// once they are gone or ctx expires.
	Terminate(ctx context.Context, projectID string) error
	// InitProject prepares the project directory, cloning a repository when
	// one is given, and returns the agent session id to use from now on.
	InitProject(ctx context.Context, projectID string, req protocol.ProjectInit, progress func(protocol.CloneProgress)) (string, error)

	OnAgentOutput(OutputFunc)
	OnPermissionRequest(PermissionFunc)
	OnProgressEvent(ProgressFunc)
	// OnSessionID is called when the agent reports the session id it is
	// running under, which later launches resume.
	OnSessionID(SessionFunc)
}

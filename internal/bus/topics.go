package bus

import (
	"time"

	"github.com/basket/clawremote/internal/protocol"
)

// Project lifecycle topics.
const (
	TopicProjectState       = "project.state_changed"
	TopicProjectSnapshot    = "project.snapshot"
	TopicProjectInitialized = "project.initialized"
)

// Permission and progress topics.
const (
	TopicPermissionResolved = "project.permission.resolved"
	TopicProgressAnomaly    = "project.progress.anomaly"
)

// TopicAuth carries handshake outcomes.
const TopicAuth = "session.auth"

// ProjectStateEvent is published on every connection state change.
type ProjectStateEvent struct {
	ProjectID string
	From      string
	To        string
	Trigger   string
}

// ProjectSnapshotEvent carries the durable view of a project after a
// change worth persisting.
type ProjectSnapshotEvent struct {
	ProjectID      string
	ProjectPath    string
	AgentSessionID string
	Snapshot       protocol.Snapshot
}

type ProjectInitializedEvent struct {
	ProjectID   string
	ProjectPath string
	SessionID   string
	Success     bool
	Error       string
}

type PermissionResolvedEvent struct {
	ProjectID  string
	RequestID  string
	Resolution string
	Decision   string
	ResolvedAt time.Time
}

type ProgressAnomalyEvent struct {
	ProjectID string
	NodeID    string
	Reason    string
}

type AuthEvent struct {
	ProjectID  string
	IdentityID string
	Success    bool
	Reason     string
}

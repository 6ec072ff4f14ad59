package protocol

import (
	"encoding/json"
	"time"
)

// Decision is a client or default answer to a permission request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Session control actions.
const (
	ActionResume     = "resume"
	ActionDisconnect = "disconnect"
	ActionShutdown   = "shutdown"
	ActionSnapshot   = "snapshot"
	ActionRenew      = "renew"
)

type Command struct {
	Text string `json:"text"`
}

type PermissionRequest struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	SourceAgentID string    `json:"source_agent_id"`
	TimeoutMs     int64     `json:"timeout_ms"`
	DefaultPolicy Decision  `json:"default_policy"`
	IssuedAt      time.Time `json:"issued_at,omitempty"`
}

type PermissionResponse struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
}

// PermissionResolved announces the terminal outcome of a request.
// Resolution is one of allowed, denied, timed-out; Decision is the
// effective answer the agent received.
type PermissionResolved struct {
	RequestID  string    `json:"request_id"`
	Resolution string    `json:"resolution"`
	Decision   Decision  `json:"decision"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// SessionControl carries resume, disconnect, shutdown, snapshot and renew
// requests from the client, and their acknowledgements from the server.
type SessionControl struct {
	Action     string     `json:"action"`
	LastSeenID uint64     `json:"last_seen_id,omitempty"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	State      string     `json:"state,omitempty"`
}

type ProjectInit struct {
	ProjectPath   string `json:"project_path"`
	RepositoryURL string `json:"repository_url,omitempty"`
	AccessToken   string `json:"access_token,omitempty"`
}

type CloneProgress struct {
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
}

type ProjectInitComplete struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AgentOutput is free-form or semi-structured agent output. Structured
// carries the raw JSON line when the agent emitted one.
type AgentOutput struct {
	Text       string          `json:"text"`
	Stream     string          `json:"stream,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

type ProgressEvent struct {
	NodeID     string  `json:"node_id"`
	ParentID   string  `json:"parent_id,omitempty"`
	Label      string  `json:"label"`
	Status     string  `json:"status"`
	Percentage float64 `json:"percentage"`
}

type Heartbeat struct {
	SentAt time.Time `json:"sent_at,omitempty"`
}

// ErrorBody is the payload of an error frame.
type ErrorBody struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Hello opens a connection and names the project it binds to.
type Hello struct {
	ProjectID  string `json:"project_id"`
	IdentityID string `json:"identity_id"`
	LastSeenID uint64 `json:"last_seen_id"`
}

type Challenge struct {
	Nonce     []byte    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Auth answers a challenge with an SSH signature over nonce||project id.
type Auth struct {
	Fingerprint     string `json:"fingerprint"`
	SignatureFormat string `json:"signature_format"`
	Signature       []byte `json:"signature"`
}

type AuthOK struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionReady follows a successful handshake. InboundWatermark is the last
// client envelope id the server processed, so the client can resend what
// came after it.
type SessionReady struct {
	State            string `json:"state"`
	LatestID         uint64 `json:"latest_id"`
	InboundWatermark uint64 `json:"inbound_watermark"`
	Initialized      bool   `json:"initialized"`
	AgentSessionID   string `json:"agent_session_id,omitempty"`
	Replaying        int    `json:"replaying"`
}

type ResyncRequired struct {
	LastSeenID uint64 `json:"last_seen_id"`
	OldestID   uint64 `json:"oldest_id"`
	LatestID   uint64 `json:"latest_id"`
}

// ProgressNode is the snapshot form of one node in the progress tree.
type ProgressNode struct {
	NodeID      string     `json:"node_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	Percentage  float64    `json:"percentage"`
	Placeholder bool       `json:"placeholder,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Snapshot is the full view a client needs after a resync. Sequenced
// delivery resumes at LatestID+1.
type Snapshot struct {
	ProjectID   string              `json:"project_id"`
	State       string              `json:"state"`
	LatestID    uint64              `json:"latest_id"`
	Permissions []PermissionRequest `json:"permissions"`
	Progress    []ProgressNode      `json:"progress"`
	TakenAt     time.Time           `json:"taken_at"`
}

// ReplayRequest asks the peer to resend its envelopes after AfterID.
type ReplayRequest struct {
	AfterID uint64 `json:"after_id"`
}

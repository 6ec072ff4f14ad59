// Package protocol defines the wire envelope exchanged between the mobile
// client and the wrapper service, and the typed payloads it carries.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type tags an envelope's payload.
type Type string

// Sequenced message types. Each carries a per-project id assigned by its
// sender and is subject to ordering, de-duplication and replay.
const (
	TypeCommand             Type = "command"
	TypePermissionRequest   Type = "permission_request"
	TypePermissionResponse  Type = "permission_response"
	TypePermissionResolved  Type = "permission_resolved"
	TypeSessionControl      Type = "session_control"
	TypeProjectInit         Type = "project_init"
	TypeCloneProgress       Type = "clone_progress"
	TypeProjectInitComplete Type = "project_init_complete"
	TypeAgentOutput         Type = "agent_output"
	TypeProgressEvent       Type = "progress_event"
)

// Connection-scoped frames. They carry id 0 and are never buffered.
const (
	TypeHeartbeat      Type = "heartbeat"
	TypeError          Type = "error"
	TypeHello          Type = "hello"
	TypeChallenge      Type = "challenge"
	TypeAuth           Type = "auth"
	TypeAuthOK         Type = "auth_ok"
	TypeSessionReady   Type = "session_ready"
	TypeResyncRequired Type = "resync_required"
	TypeSnapshot       Type = "snapshot"
	TypeReplayRequest  Type = "replay_request"
)

var (
	ErrUnknownType   = errors.New("protocol: unknown message type")
	ErrMissingType   = errors.New("protocol: envelope has no type")
	ErrEmptyEnvelope = errors.New("protocol: empty frame")
)

// Envelope is one framed message.
type Envelope struct {
	ID        uint64          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Sequenced reports whether envelopes of type t take part in ordering.
func Sequenced(t Type) bool {
	switch t {
	case TypeHeartbeat, TypeError, TypeHello, TypeChallenge, TypeAuth, TypeAuthOK,
		TypeSessionReady, TypeResyncRequired, TypeSnapshot, TypeReplayRequest:
		return false
	}
	return true
}

// New builds an envelope around payload. A nil payload is omitted.
func New(t Type, id uint64, at time.Time, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: t, Timestamp: at.UTC()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Marshal encodes env as a JSON frame.
func Marshal(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(env)
}

// Unmarshal parses a frame. Only the envelope shape is checked here; the
// payload is validated by Decode.
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, NewError(KindProtocolViolation, "", "decode", err)
	}
	if env.Type == "" {
		return Envelope{}, NewError(KindProtocolViolation, "", "decode", ErrMissingType)
	}
	return env, nil
}

// Decode validates and unpacks the payload into its registered Go type,
// returned as a pointer (e.g. *Command). Unknown types return
// ErrUnknownType; receivers are expected to skip them.
func (e Envelope) Decode() (any, error) {
	factory, ok := payloadTypes[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	raw := e.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := validatePayload(e.Type, raw); err != nil {
		return nil, NewError(KindProtocolViolation, "", "validate "+string(e.Type), err)
	}
	v := factory()
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, NewError(KindProtocolViolation, "", "decode "+string(e.Type), err)
	}
	return v, nil
}

// DecodeInto validates the payload and unmarshals it into v.
func (e Envelope) DecodeInto(v any) error {
	raw := e.Payload
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := validatePayload(e.Type, raw); err != nil {
		return NewError(KindProtocolViolation, "", "validate "+string(e.Type), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewError(KindProtocolViolation, "", "decode "+string(e.Type), err)
	}
	return nil
}

var payloadTypes = map[Type]func() any{
	TypeCommand:             func() any { return new(Command) },
	TypePermissionRequest:   func() any { return new(PermissionRequest) },
	TypePermissionResponse:  func() any { return new(PermissionResponse) },
	TypePermissionResolved:  func() any { return new(PermissionResolved) },
	TypeSessionControl:      func() any { return new(SessionControl) },
	TypeProjectInit:         func() any { return new(ProjectInit) },
	TypeCloneProgress:       func() any { return new(CloneProgress) },
	TypeProjectInitComplete: func() any { return new(ProjectInitComplete) },
	TypeAgentOutput:         func() any { return new(AgentOutput) },
	TypeProgressEvent:       func() any { return new(ProgressEvent) },
	TypeHeartbeat:           func() any { return new(Heartbeat) },
	TypeError:               func() any { return new(ErrorBody) },
	TypeHello:               func() any { return new(Hello) },
	TypeChallenge:           func() any { return new(Challenge) },
	TypeAuth:                func() any { return new(Auth) },
	TypeAuthOK:              func() any { return new(AuthOK) },
	TypeSessionReady:        func() any { return new(SessionReady) },
	TypeResyncRequired:      func() any { return new(ResyncRequired) },
	TypeSnapshot:            func() any { return new(Snapshot) },
	TypeReplayRequest:       func() any { return new(ReplayRequest) },
}

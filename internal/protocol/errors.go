package protocol

import (
	"context"
	"errors"
	"strings"
)

// ErrorKind is the machine-readable error class carried in error frames.
type ErrorKind string

const (
	KindAuthFailed        ErrorKind = "AUTH_FAILED"
	KindHandshakeTimeout  ErrorKind = "HANDSHAKE_TIMEOUT"
	KindTransportLost     ErrorKind = "TRANSPORT_LOST"
	KindProtocolViolation ErrorKind = "PROTOCOL_VIOLATION"
	KindAgentUnreachable  ErrorKind = "AGENT_UNREACHABLE"
	KindInitFailed        ErrorKind = "INIT_FAILED"
	KindShutdownFailed    ErrorKind = "SHUTDOWN_FAILED"
	KindInvalidState      ErrorKind = "INVALID_STATE"
	KindDuplicateResponse ErrorKind = "DUPLICATE_RESPONSE"
	KindUnknownPermission ErrorKind = "UNKNOWN_PERMISSION"
	KindInternal          ErrorKind = "INTERNAL"
)

// Error ties a failure to the project and phase it happened in.
// Err never carries key material.
type Error struct {
	Kind      ErrorKind
	ProjectID string
	Phase     string
	Err       error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrAuthFailed        = &Error{Kind: KindAuthFailed}
	ErrHandshakeTimeout  = &Error{Kind: KindHandshakeTimeout}
	ErrTransportLost     = &Error{Kind: KindTransportLost}
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation}
	ErrAgentUnreachable  = &Error{Kind: KindAgentUnreachable}
	ErrInitFailed        = &Error{Kind: KindInitFailed}
	ErrShutdownFailed    = &Error{Kind: KindShutdownFailed}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
)

// NewError wraps err with kind, project and phase.
func NewError(kind ErrorKind, projectID, phase string, err error) *Error {
	return &Error{Kind: kind, ProjectID: projectID, Phase: phase, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		b.WriteString(" during ")
		b.WriteString(e.Phase)
	}
	if e.ProjectID != "" {
		b.WriteString(" [project ")
		b.WriteString(e.ProjectID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.ProjectID == "" || t.ProjectID == e.ProjectID)
}

// KindOf classifies err for the wire. Unclassified errors are INTERNAL.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindHandshakeTimeout
	}
	return KindInternal
}

// ErrorPayload builds the wire form of err.
func ErrorPayload(err error) ErrorBody {
	return ErrorBody{Kind: KindOf(err), Detail: err.Error()}
}

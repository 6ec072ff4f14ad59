package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the session core instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EnvelopesSent        metric.Int64Counter
	EnvelopesReplayed    metric.Int64Counter
	EnvelopesReceived    metric.Int64Counter
	Resyncs              metric.Int64Counter
	HandshakeFailures    metric.Int64Counter
	HandshakeDuration    metric.Float64Histogram
	PermissionResolved   metric.Int64Counter
	PermissionLatency    metric.Float64Histogram
	ProgressAnomalies    metric.Int64Counter
	ProtocolViolations   metric.Int64Counter
	ActiveSessions       metric.Int64UpDownCounter
	AgentShutdownSeconds metric.Float64Histogram
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.EnvelopesSent, err = meter.Int64Counter("clawremote.envelopes.sent",
		metric.WithDescription("Envelopes written to a client transport"),
	); err != nil {
		return nil, err
	}
	if m.EnvelopesReplayed, err = meter.Int64Counter("clawremote.envelopes.replayed",
		metric.WithDescription("Envelopes re-delivered from the replay buffer"),
	); err != nil {
		return nil, err
	}
	if m.EnvelopesReceived, err = meter.Int64Counter("clawremote.envelopes.received",
		metric.WithDescription("Envelopes accepted from clients"),
	); err != nil {
		return nil, err
	}
	if m.Resyncs, err = meter.Int64Counter("clawremote.replay.resyncs",
		metric.WithDescription("Reconnects that required a full snapshot"),
	); err != nil {
		return nil, err
	}
	if m.HandshakeFailures, err = meter.Int64Counter("clawremote.handshake.failures",
		metric.WithDescription("Failed challenge-response handshakes"),
	); err != nil {
		return nil, err
	}
	if m.HandshakeDuration, err = meter.Float64Histogram("clawremote.handshake.duration",
		metric.WithDescription("Handshake duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.PermissionResolved, err = meter.Int64Counter("clawremote.permission.resolved",
		metric.WithDescription("Permission requests resolved, by resolution"),
	); err != nil {
		return nil, err
	}
	if m.PermissionLatency, err = meter.Float64Histogram("clawremote.permission.latency",
		metric.WithDescription("Time from permission request to resolution in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ProgressAnomalies, err = meter.Int64Counter("clawremote.progress.anomalies",
		metric.WithDescription("Progress events rejected by the aggregator"),
	); err != nil {
		return nil, err
	}
	if m.ProtocolViolations, err = meter.Int64Counter("clawremote.protocol.violations",
		metric.WithDescription("Malformed or out-of-order inbound envelopes"),
	); err != nil {
		return nil, err
	}
	if m.ActiveSessions, err = meter.Int64UpDownCounter("clawremote.sessions.active",
		metric.WithDescription("Projects with an attached client transport"),
	); err != nil {
		return nil, err
	}
	if m.AgentShutdownSeconds, err = meter.Float64Histogram("clawremote.agent.shutdown.duration",
		metric.WithDescription("Agent termination duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func projectAttr(projectID string) metric.MeasurementOption {
	return metric.WithAttributes(AttrProjectID.String(projectID))
}

func (m *Metrics) Sent(ctx context.Context, projectID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EnvelopesSent.Add(ctx, int64(n), projectAttr(projectID))
}

func (m *Metrics) Replayed(ctx context.Context, projectID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EnvelopesReplayed.Add(ctx, int64(n), projectAttr(projectID))
}

func (m *Metrics) Received(ctx context.Context, projectID, envType string) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.Add(ctx, 1, metric.WithAttributes(
		AttrProjectID.String(projectID), AttrEnvelopeType.String(envType)))
}

func (m *Metrics) Resync(ctx context.Context, projectID string) {
	if m == nil {
		return
	}
	m.Resyncs.Add(ctx, 1, projectAttr(projectID))
}

// Handshake records one handshake attempt. kind is empty on success.
func (m *Metrics) Handshake(ctx context.Context, projectID, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Record(ctx, seconds, projectAttr(projectID))
	if kind != "" {
		m.HandshakeFailures.Add(ctx, 1, metric.WithAttributes(
			AttrProjectID.String(projectID), AttrErrorKind.String(kind)))
	}
}

func (m *Metrics) Permission(ctx context.Context, projectID, resolution string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrProjectID.String(projectID), AttrResolution.String(resolution))
	m.PermissionResolved.Add(ctx, 1, attrs)
	m.PermissionLatency.Record(ctx, seconds, attrs)
}

func (m *Metrics) Anomaly(ctx context.Context, projectID, reason string) {
	if m == nil {
		return
	}
	m.ProgressAnomalies.Add(ctx, 1, metric.WithAttributes(
		AttrProjectID.String(projectID), attribute.String("reason", reason)))
}

func (m *Metrics) Violation(ctx context.Context, projectID string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.Add(ctx, 1, projectAttr(projectID))
}

// SessionDelta moves the active-session gauge by delta (+1 attach, -1 detach).
func (m *Metrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

func (m *Metrics) AgentShutdown(ctx context.Context, projectID string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentShutdownSeconds.Record(ctx, seconds, projectAttr(projectID))
}

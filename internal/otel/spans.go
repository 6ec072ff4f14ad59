package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrProjectID    = attribute.Key("clawremote.project.id")
	AttrIdentityID   = attribute.Key("clawremote.identity.id")
	AttrConnID       = attribute.Key("clawremote.conn.id")
	AttrEnvelopeType = attribute.Key("clawremote.envelope.type")
	AttrEnvelopeID   = attribute.Key("clawremote.envelope.id")
	AttrErrorKind    = attribute.Key("clawremote.error.kind")
	AttrResolution   = attribute.Key("clawremote.permission.resolution")
	AttrState        = attribute.Key("clawremote.connection.state")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan covers an inbound client connection or request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}

// StartClientSpan covers a call into the agent process or git.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindClient, name, attrs)
}

// Fail marks span as errored. errKind, when set, is both the status
// description and the clawremote.error.kind attribute.
func Fail(span trace.Span, err error, errKind string) {
	if err == nil {
		return
	}
	span.RecordError(err)
	desc := errKind
	if desc == "" {
		desc = err.Error()
	} else {
		span.SetAttributes(AttrErrorKind.String(errKind))
	}
	span.SetStatus(codes.Error, desc)
}

package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func boolPtr(b bool) *bool { return &b }

func TestInit(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		wantSDK     bool
		wantMetrics bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: "none"}, wantSDK: true, wantMetrics: true},
		{name: "stdout exporter", cfg: Config{Enabled: true, Exporter: "stdout", ServiceName: "relay-dev"}, wantSDK: true, wantMetrics: true},
		{name: "otlp endpoint url", cfg: Config{Enabled: true, Endpoint: "http://collector:4318"}, wantSDK: true, wantMetrics: true},
		{name: "out of range sample rate", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 4}, wantSDK: true, wantMetrics: true},
		{name: "metrics off", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: boolPtr(false)}, wantSDK: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer func() {
				if err := p.Shutdown(context.Background()); err != nil {
					t.Errorf("Shutdown: %v", err)
				}
			}()

			if p.Tracer == nil || p.Meter == nil || p.MeterProvider == nil {
				t.Fatalf("provider incomplete: %+v", p)
			}
			if (p.TracerProvider != nil) != tt.wantSDK {
				t.Fatalf("sdk tracer provider = %v, want %v", p.TracerProvider != nil, tt.wantSDK)
			}
			if (p.reader != nil) != tt.wantMetrics {
				t.Fatalf("metric reader = %v, want %v", p.reader != nil, tt.wantMetrics)
			}
		})
	}
}

func TestProvider_CollectSeesInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.Sent(ctx, "alpha", 4)
	m.Permission(ctx, "alpha", "allowed", 1.5)

	points, err := p.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var sent, latency *MetricPoint
	for i := range points {
		switch points[i].Name {
		case "clawremote.envelopes.sent":
			sent = &points[i]
		case "clawremote.permission.latency":
			latency = &points[i]
		}
	}
	if sent == nil || sent.Kind != "sum" || sent.Value != 4 || sent.Attributes["clawremote.project.id"] != "alpha" {
		t.Fatalf("envelopes.sent = %+v", sent)
	}
	if latency == nil || latency.Kind != "histogram" || latency.Count != 1 || latency.Value != 1.5 {
		t.Fatalf("permission.latency = %+v", latency)
	}
}

func TestProvider_CollectDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	points, err := p.Collect(context.Background())
	if err != nil || points != nil {
		t.Fatalf("Collect = %v, %v", points, err)
	}
	var nilProvider *Provider
	if points, _ := nilProvider.Collect(context.Background()); points != nil {
		t.Fatalf("nil provider collected %v", points)
	}
}

func TestSpanHelpers_Kinds(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, s1 := StartSpan(context.Background(), tracer, "replay.catch_up", AttrProjectID.String("p1"))
	s1.End()
	_, s2 := StartServerSpan(context.Background(), tracer, "session.connect", AttrConnID.String("c1"))
	s2.End()
	_, s3 := StartClientSpan(context.Background(), tracer, "agent.init_project", AttrEnvelopeType.String("project_init"))
	s3.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	want := []trace.SpanKind{trace.SpanKindInternal, trace.SpanKindServer, trace.SpanKindClient}
	for i, s := range ended {
		if s.SpanKind() != want[i] {
			t.Errorf("%s kind = %v, want %v", s.Name(), s.SpanKind(), want[i])
		}
		if len(s.Attributes()) != 1 {
			t.Errorf("%s attributes = %v", s.Name(), s.Attributes())
		}
	}
}

func TestFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, ok := StartSpan(context.Background(), tracer, "ok")
	Fail(ok, nil, "auth_failed")
	ok.End()
	_, kinded := StartServerSpan(context.Background(), tracer, "session.connect")
	Fail(kinded, errors.New("bad signature"), "auth_failed")
	kinded.End()
	_, plain := StartClientSpan(context.Background(), tracer, "agent.terminate")
	Fail(plain, errors.New("exit status 1"), "")
	plain.End()

	ended := rec.Ended()
	if ended[0].Status().Code != codes.Unset || len(ended[0].Events()) != 0 {
		t.Fatalf("nil error touched span: %+v", ended[0].Status())
	}
	if st := ended[1].Status(); st.Code != codes.Error || st.Description != "auth_failed" || len(ended[1].Attributes()) != 1 {
		t.Fatalf("kinded span status = %+v attrs = %v", st, ended[1].Attributes())
	}
	if st := ended[2].Status(); st.Code != codes.Error || st.Description != "exit status 1" || len(ended[2].Attributes()) != 0 {
		t.Fatalf("plain span status = %+v attrs = %v", st, ended[2].Attributes())
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx, span := StartSpan(context.Background(), nil, "noop")
	if ctx == nil || span == nil || span.IsRecording() {
		t.Fatalf("nil tracer produced a recording span")
	}
	span.End()
}

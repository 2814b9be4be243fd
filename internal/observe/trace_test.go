package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureDefaultLogger swaps slog.Default for a text logger writing to the
// returned buffer.
func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_ReturnsTraceID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "test-span")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	if cid != span.SpanContext().TraceID().String() {
		t.Errorf("correlation ID = %q, want span trace ID", cid)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "voice.start")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	_, child := StartSpan(ctx, "voice.connect")
	child.End()
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "voice.connect" || spans[1].Name != "voice.start" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child span is not parented to voice.start")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := WithSession(context.Background(), "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
}

func TestLogger_IncludesTraceAndSession(t *testing.T) {
	buf := captureDefaultLogger(t)
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()
	ctx = WithSession(ctx, "sess-42")

	Logger(ctx).Info("test message")

	logged := buf.String()
	for _, want := range []string{"trace_id=", "span_id=", "session_id=sess-42"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q, got: %s", want, logged)
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureDefaultLogger(t)

	Logger(context.Background()).Info("test message")

	logged := buf.String()
	if strings.Contains(logged, "trace_id") || strings.Contains(logged, "session_id") {
		t.Errorf("log output should carry no context attributes, got: %s", logged)
	}
}

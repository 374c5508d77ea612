package otel

import (
	"context"
	"testing"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSink(tp), exporter
}

func TestSinkEmitsJobSpan(t *testing.T) {
	sink, exporter := newTestSink(t)

	now := time.Now()
	err := sink.Emit(context.Background(), observe.Event{
		Kind:       observe.KindJob,
		JobID:      "job-123",
		Stage:      "research",
		Status:     observe.StatusCompleted,
		Timestamp:  now,
		DurationMs: 150,
		Progress:   60,
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "agentprice.job.research" {
		t.Errorf("unexpected span name %q", span.Name)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 150*time.Millisecond {
		t.Errorf("expected 150ms span, got %s", got)
	}
	attrs := attrToMap(span.Attributes)
	if attrs["agentprice.job.id"] != "job-123" {
		t.Errorf("missing job id: %v", attrs)
	}
	if attrs["agentprice.progress"] != "60" {
		t.Errorf("missing progress: %v", attrs)
	}
}

func TestSpanNaming(t *testing.T) {
	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindProvider, Provider: "claude"}, "agentprice.llm.claude"},
		{observe.Event{Kind: observe.KindProvider}, "agentprice.llm"},
		{observe.Event{Kind: observe.KindJob}, "agentprice.job"},
		{observe.Event{Kind: observe.KindRealtime}, "agentprice.realtime"},
		{observe.Event{Kind: observe.KindHealth}, "agentprice.health"},
		{observe.Event{Kind: observe.KindCustom, Name: "sweep"}, "agentprice.sweep"},
	}
	for _, tt := range tests {
		if got := SpanName(tt.event); got != tt.wantName {
			t.Errorf("SpanName(%+v) = %q, want %q", tt.event, got, tt.wantName)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	sink, exporter := newTestSink(t)
	_ = sink.Emit(context.Background(), observe.Event{
		Kind:     observe.KindProvider,
		Provider: "perplexity",
		Status:   observe.StatusFailed,
		Error:    "perplexity API error (429, rate_limited): slow down",
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestSinkNestsUnderParentSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	sink := NewSink(tp)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "request")
	_ = sink.Emit(ctx, observe.Event{Kind: observe.KindProvider, Provider: "claude"})
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	child := spans[0]
	if child.Parent.SpanID() != parent.SpanContext().SpanID() {
		t.Errorf("expected provider span to be a child of the request span")
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	if err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindJob}); err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

// Package otel turns pipeline events into OpenTelemetry spans so job
// stages and provider calls show up in any OTLP backend.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/howardjong/AgentPrice-sub003/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/howardjong/AgentPrice-sub003/observe"

const maxMessageLen = 1024

type Sink struct {
	tracer trace.Tracer
}

// NewSink builds a sink on tp, falling back to a noop provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

// Emit records one span per event. When ctx carries a span, the new span
// becomes its child.
func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	event.Normalize()

	start := event.Timestamp
	if event.DurationMs > 0 {
		start = event.Timestamp.Add(-time.Duration(event.DurationMs) * time.Millisecond)
	}
	_, span := s.tracer.Start(ctx, SpanName(event), trace.WithTimestamp(start))
	span.SetAttributes(attributesFor(event)...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(event.Timestamp))
	return nil
}

// SpanName maps an event to a stable span name.
func SpanName(event observe.Event) string {
	switch event.Kind {
	case observe.KindJob:
		if event.Stage != "" {
			return "agentprice.job." + event.Stage
		}
		return "agentprice.job"
	case observe.KindProvider:
		if event.Provider != "" {
			return "agentprice.llm." + event.Provider
		}
		return "agentprice.llm"
	case observe.KindRealtime:
		return "agentprice.realtime"
	case observe.KindHealth:
		return "agentprice.health"
	default:
		if event.Name != "" {
			return "agentprice." + event.Name
		}
		return "agentprice.event"
	}
}

func attributesFor(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("agentprice.event.kind", string(event.Kind)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("agentprice.job.id", event.JobID)
	add("agentprice.session.id", event.SessionID)
	add("agentprice.provider", event.Provider)
	add("agentprice.stage", event.Stage)
	add("agentprice.event.name", event.Name)
	add("agentprice.status", string(event.Status))
	add("agentprice.message", truncate(event.Message, maxMessageLen))
	if event.Progress > 0 {
		attrs = append(attrs, attribute.Int("agentprice.progress", event.Progress))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("agentprice.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("agentprice.attr."+k, fmt.Sprintf("%v", v)))
	}
	return attrs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

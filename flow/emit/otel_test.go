package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitter_Emit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	event := Event{
		FlowID:     "flow-001",
		NumCommits: 1,
		SessionID:  "sess-001",
		Msg:        "flow_history_dump",
		Meta: map[string]interface{}{
			"event_kind":  "flow_history_dump",
			"num_entries": 3,
		},
	}
	emitter.Emit(event)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]

	if span.Name != "flow_history_dump" {
		t.Errorf("span name = %q, want %q", span.Name, "flow_history_dump")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["flow.id"]; got != "flow-001" {
		t.Errorf("flow.id = %v, want %q", got, "flow-001")
	}
	if got := attrs["flow.num_commits"]; got != int64(1) {
		t.Errorf("flow.num_commits = %v, want %d", got, 1)
	}
	if got := attrs["flow.session_id"]; got != "sess-001" {
		t.Errorf("flow.session_id = %v, want %q", got, "sess-001")
	}

	if got := attrs["flow.event_kind"]; got != "flow_history_dump" {
		t.Errorf("flow.event_kind = %v, want %q", got, "flow_history_dump")
	}
	if got := attrs["flow.history.num_entries"]; got != int64(3) {
		t.Errorf("flow.history.num_entries = %v, want %d", got, 3)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitter_EmitWithError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	event := Event{
		FlowID:     "flow-001",
		NumCommits: 1,
		SessionID:  "sess-001",
		Msg:        "transition_error",
		Meta: map[string]interface{}{
			"error": "checkpoint idempotency violation",
		},
	}
	emitter.Emit(event)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]

	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "checkpoint idempotency violation" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "checkpoint idempotency violation")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["error"]; got != "checkpoint idempotency violation" {
		t.Errorf("error = %v, want %q", got, "checkpoint idempotency violation")
	}

	if len(span.Events) == 0 {
		t.Error("expected error event, got none")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	events := []Event{
		{FlowID: "flow-001", NumCommits: 1, SessionID: "sess-001", Msg: "transition_commit"},
		{FlowID: "flow-001", NumCommits: 2, SessionID: "sess-001", Msg: "transition_commit"},
		{FlowID: "flow-001", NumCommits: 2, SessionID: "sess-002", Msg: "transition_commit"},
	}

	ctx := context.Background()
	if err := emitter.EmitBatch(ctx, events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	for i, span := range spans {
		if span.Name != "transition_commit" {
			t.Errorf("span[%d] name = %q, want %q", i, span.Name, "transition_commit")
		}
		if !span.EndTime.After(span.StartTime) {
			t.Errorf("span[%d] was not ended", i)
		}
	}
}

func TestOTelEmitter_EmitBatch_Empty(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	ctx := context.Background()
	if err := emitter.EmitBatch(ctx, []Event{}); err != nil {
		t.Fatalf("EmitBatch failed on empty batch: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 0 {
		t.Errorf("expected 0 spans for empty batch, got %d", len(spans))
	}
}

func TestOTelEmitter_Flush(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	event := Event{
		FlowID:     "flow-001",
		NumCommits: 1,
		SessionID:  "sess-001",
		Msg:        "transition_commit",
	}
	emitter.Emit(event)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := emitter.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Errorf("expected 1 span after flush, got %d", len(spans))
	}
}

func TestOTelEmitter_Flush_Timeout(_ *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := emitter.Flush(ctx)
	_ = err
}

func TestOTelEmitter_MetadataTypes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	event := Event{
		FlowID:     "flow-001",
		NumCommits: 1,
		SessionID:  "sess-001",
		Msg:        "test_types",
		Meta: map[string]interface{}{
			"string_val":   "hello",
			"int_val":      42,
			"int64_val":    int64(99),
			"float64_val":  3.14,
			"bool_val":     true,
			"duration_val": 250 * time.Millisecond,
		},
	}
	emitter.Emit(event)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	attrs := attributeMap(span.Attributes)

	if got := attrs["string_val"]; got != "hello" {
		t.Errorf("string_val = %v, want %q", got, "hello")
	}
	if got := attrs["int_val"]; got != int64(42) {
		t.Errorf("int_val = %v, want %d", got, 42)
	}
	if got := attrs["int64_val"]; got != int64(99) {
		t.Errorf("int64_val = %v, want %d", got, 99)
	}
	if got := attrs["float64_val"]; got != 3.14 {
		t.Errorf("float64_val = %v, want %f", got, 3.14)
	}
	if got := attrs["bool_val"]; got != true {
		t.Errorf("bool_val = %v, want %t", got, true)
	}
	if got := attrs["duration_val"]; got != int64(250) {
		t.Errorf("duration_val = %v, want %d ms", got, 250)
	}
}

func TestOTelEmitter_NilMeta(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	event := Event{
		FlowID:     "flow-001",
		NumCommits: 1,
		SessionID:  "sess-001",
		Msg:        "transition_commit",
		Meta:       nil,
	}
	emitter.Emit(event)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	attrs := attributeMap(span.Attributes)

	if got := attrs["flow.id"]; got != "flow-001" {
		t.Errorf("flow.id = %v, want %q", got, "flow-001")
	}
}

// attributeMap converts span attributes to map for easy testing.
func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

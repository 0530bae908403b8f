package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracer_NoEndpointIsNoOp(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer shutdown(context.Background())

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	ctx, span := tracer.Start(context.Background(), "op")
	if ctx == nil || span == nil {
		t.Fatal("Start() returned nil context or span")
	}
	span.End()
}

func TestTracer_RequestRoundToolSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, reqSpan := tracer.TraceRequest(context.Background(), "req-1", "agent-1")
	ctx, roundSpan := tracer.TraceRound(ctx, 0, "gpt-4o")
	_, toolSpan := tracer.TraceToolExecution(ctx, "add", "call-1")

	tracer.RecordError(toolSpan, errors.New("boom"))
	tracer.RecordError(toolSpan, nil) // no-op

	toolSpan.End()
	roundSpan.End()
	reqSpan.End()
}

func TestTracer_ShutdownIdempotent(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{})
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown() error = %v", err)
	}
}

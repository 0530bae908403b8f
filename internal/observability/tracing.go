package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides distributed tracing for the request pipeline.
//
// Spans follow the runtime's structure: one span per request, child spans per
// round, provider call, and tool execution. When no endpoint is configured
// the tracer is a no-op.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// TraceConfig configures tracing behavior.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion identifies the service version.
	ServiceVersion string

	// Environment specifies the deployment environment.
	Environment string

	// Endpoint is the OTLP collector endpoint (e.g. "localhost:4317").
	// If empty, tracing is disabled.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0 to 1.0).
	// Defaults to 1.0.
	SamplingRate float64

	// Attributes are additional resource attributes for all spans.
	Attributes map[string]string

	// EnableInsecure disables TLS for the OTLP connection (dev only).
	EnableInsecure bool
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer creates a tracer and a shutdown function that must be called on
// exit. With an empty Endpoint the returned tracer records nothing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "ensemble"
	}
	if config.Endpoint == "" {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(opts...),
	)
	if err != nil {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	shutdown := func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	}
	return tracer, shutdown
}

// Start creates a span and returns a context containing it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(opts) > 0 {
		opt := opts[0]
		if opt.Kind != 0 {
			options = append(options, trace.WithSpanKind(opt.Kind))
		}
		if len(opt.Attributes) > 0 {
			options = append(options, trace.WithAttributes(opt.Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError records an error on the span and marks it failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceRequest starts the root span for one orchestrated request.
func (t *Tracer) TraceRequest(ctx context.Context, requestID, agentID string) (context.Context, trace.Span) {
	return t.Start(ctx, "ensemble.request", SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("request.id", requestID),
			attribute.String("agent.id", agentID),
		},
	})
}

// TraceRound starts a child span for one loop round.
func (t *Tracer) TraceRound(ctx context.Context, round int, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "ensemble.round", SpanOptions{
		Attributes: []attribute.KeyValue{
			attribute.Int("round", round),
			attribute.String("model", model),
		},
	})
}

// TraceProviderCall starts a child span for one provider stream.
func (t *Tracer) TraceProviderCall(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("provider.%s", provider), SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("provider", provider),
			attribute.String("model", model),
		},
	})
}

// TraceToolExecution starts a child span for one tool invocation.
func (t *Tracer) TraceToolExecution(ctx context.Context, toolName, callID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute", SpanOptions{
		Attributes: []attribute.KeyValue{
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", callID),
		},
	})
}

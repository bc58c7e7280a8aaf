package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

// TracerName is the instrumentation scope of every span.
const TracerName = "github.com/martinemde/codeagent"

// TraceConfig configures trace export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string
	Insecure bool
	// SamplingRate is the fraction of runs traced; zero means all.
	SamplingRate float64
}

// NewTracerProvider returns a provider exporting to cfg.Endpoint and a
// shutdown function that flushes pending spans. Without an endpoint the
// global (no-op) provider is returned.
func NewTracerProvider(ctx context.Context, cfg TraceConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return otel.GetTracerProvider(), func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "codeagent"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0 || cfg.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return provider, provider.Shutdown, nil
}

// TracingMiddleware wraps each model call in an "llm.<provider>" span.
func TracingMiddleware(tp trace.TracerProvider) unifiedllm.Middleware {
	tracer := tp.Tracer(TracerName)
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		ctx, span := tracer.Start(ctx, "llm."+req.Provider,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("llm.provider", req.Provider),
				attribute.String("llm.model", req.Model),
				attribute.Int("llm.messages", len(req.Messages)),
				attribute.Int("llm.tools", len(req.Tools)),
			))
		defer span.End()

		resp, err := next(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(
			attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
			attribute.String("llm.finish_reason", resp.FinishReason.Reason),
			attribute.Int("llm.tool_calls", len(resp.ToolCalls())),
		)
		span.SetStatus(codes.Ok, "")
		return resp, nil
	}
}

type tracedTool struct {
	agentloop.Tool
	tracer trace.Tracer
}

// TraceTools returns a decorator for ToolRegistry.Wrap that runs each tool
// execution inside a "tool.<name>" span.
func TraceTools(tp trace.TracerProvider) func(agentloop.Tool) agentloop.Tool {
	tracer := tp.Tracer(TracerName)
	return func(t agentloop.Tool) agentloop.Tool {
		return &tracedTool{Tool: t, tracer: tracer}
	}
}

func (t *tracedTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	ctx, span := t.tracer.Start(ctx, "tool."+t.Name(),
		trace.WithAttributes(
			attribute.String("tool.name", t.Name()),
			attribute.Bool("tool.sensitive", t.Sensitive()),
		))
	defer span.End()

	out, err := t.Tool.Execute(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.Int("tool.output_chars", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Package tracing sets up OpenTelemetry trace export and provides the span
// helpers used around runs, LLM calls, and tool executions.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nextlevelbuilder/agentd/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/agentd"

// Init configures the global tracer provider from config. With telemetry
// disabled a no-op provider is installed and the returned shutdown does
// nothing.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	var client otlptrace.Client
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		client = otlptracegrpc.NewClient(opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		client = otlptracehttp.NewClient(opts...)
	default:
		return nil, fmt.Errorf("tracing: unknown protocol %q", cfg.Protocol)
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("agentd"),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", endpoint, "protocol", cfg.Protocol)

	return tp.Shutdown, nil
}

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartRun opens the root span for one agent run.
func StartRun(ctx context.Context, runID, threadID, model string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("thread.id", threadID),
		attribute.String("llm.model", model),
	))
}

// StartIteration opens a span for one think-act-observe cycle.
func StartIteration(ctx context.Context, iteration int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.iteration", trace.WithAttributes(
		attribute.Int("iteration", iteration),
	))
}

// StartLLMCall opens a span around one chat completion request.
func StartLLMCall(ctx context.Context, provider, model string, messageCount int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.message_count", messageCount),
	))
}

// StartTool opens a span around one tool execution.
func StartTool(ctx context.Context, name, callID, source string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool."+name, trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
		attribute.String("tool.source", source),
	))
}

// EndWithError records err (if any) and ends the span.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordUsage attaches token usage to a span.
func RecordUsage(span trace.Span, promptTokens, completionTokens int) {
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", promptTokens),
		attribute.Int("llm.usage.completion_tokens", completionTokens),
	)
}

// RecordDuration attaches a duration in milliseconds.
func RecordDuration(span trace.Span, d time.Duration) {
	span.SetAttributes(attribute.Int64("duration_ms", d.Milliseconds()))
}

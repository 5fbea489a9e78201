/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the dispatch core.
//
// LLM spans follow the OTel GenAI semantic conventions:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `agora.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agora.dev/core"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartDispatchSpan creates the parent span for a skill dispatch.
func StartDispatchSpan(ctx context.Context, skillID, command string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "skill.dispatch",
		trace.WithAttributes(
			attribute.String("agora.skill", skillID),
			attribute.String("agora.command", command),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndDispatchSpan enriches the dispatch span with the selected strategy and
// outcome.
func EndDispatchSpan(span trace.Span, strategy string, success bool, errMsg string) {
	span.SetAttributes(
		attribute.String("agora.strategy", strategy),
		attribute.Bool("agora.success", success),
	)
	if !success && errMsg != "" {
		span.SetAttributes(attribute.String("agora.error", errMsg))
	}
	span.End()
}

// StartLLMSpan creates a child span for an LLM completion, following GenAI
// conventions.
func StartLLMSpan(ctx context.Context, providerName, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", providerName),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMSpan enriches the LLM span with usage data.
func EndLLMSpan(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
	span.End()
}

// StartRiskGateSpan creates a child span for a risk gate evaluation.
func StartRiskGateSpan(ctx context.Context, surface, policy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "riskgate.evaluate",
		trace.WithAttributes(
			attribute.String("agora.surface", surface),
			attribute.String("agora.policy", policy),
		),
	)
}

// EndRiskGateSpan records the verdict.
func EndRiskGateSpan(span trace.Span, level string, published bool) {
	span.SetAttributes(
		attribute.String("agora.risk_level", level),
		attribute.Bool("agora.published", published),
	)
	span.End()
}

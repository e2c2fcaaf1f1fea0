// Package telemetry configures OpenTelemetry tracing for the control
// plane. Custom span attributes use the `lattice.` prefix.
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

const tracerName = "lattice.dev/control-plane"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. An empty endpoint disables tracing (noop provider).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
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
			semconv.ServiceNameKey.String("lattice-control-plane"),
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

// StartReconcileSpan creates the span for one reconciliation cycle.
func StartReconcileSpan(ctx context.Context, spriteID, desired string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "fleet.reconcile",
		trace.WithAttributes(
			attribute.String("lattice.sprite", spriteID),
			attribute.String("lattice.desired_state", desired),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndReconcileSpan enriches the reconcile span with the outcome.
func EndReconcileSpan(span trace.Span, outcome, observed string) {
	span.SetAttributes(
		attribute.String("lattice.outcome", outcome),
		attribute.String("lattice.observed_state", observed),
	)
	span.End()
}

// StartCapabilitySpan creates a child span for a dispatched capability
// call.
func StartCapabilitySpan(ctx context.Context, capability, operation, classification string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "capability.call",
		trace.WithAttributes(
			attribute.String("lattice.capability", capability),
			attribute.String("lattice.operation", operation),
			attribute.String("lattice.classification", classification),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndCapabilitySpan enriches the capability span with gate and call
// results.
func EndCapabilitySpan(span trace.Span, result string, denied bool, reason string) {
	span.SetAttributes(
		attribute.String("lattice.result", result),
		attribute.Bool("lattice.denied", denied),
	)
	if denied {
		span.SetAttributes(attribute.String("lattice.deny_reason", reason))
	}
	span.End()
}

// StartIntentSpan creates the span for driving an intent through the
// pipeline.
func StartIntentSpan(ctx context.Context, kind, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "intent.propose",
		trace.WithAttributes(
			attribute.String("lattice.intent_kind", kind),
			attribute.String("lattice.intent_source", source),
		),
	)
}

// EndIntentSpan records the state the intent landed in.
func EndIntentSpan(span trace.Span, intentID, state string) {
	span.SetAttributes(
		attribute.String("lattice.intent_id", intentID),
		attribute.String("lattice.intent_state", state),
	)
	span.End()
}

// StartSessionSpan creates the span for one executor run session.
func StartSessionSpan(ctx context.Context, runID, spriteID, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "executor.session",
		trace.WithAttributes(
			attribute.String("lattice.run", runID),
			attribute.String("lattice.sprite", spriteID),
			attribute.String("lattice.exec_mode", mode),
		),
	)
}

// EndSessionSpan enriches the session span with the run's final status
// and how many protocol events it ingested.
func EndSessionSpan(span trace.Span, status string, events int) {
	span.SetAttributes(
		attribute.String("lattice.run_status", status),
		attribute.Int("lattice.protocol_events", events),
	)
	span.End()
}

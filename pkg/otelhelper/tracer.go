// Package otelhelper provides distributed tracing for lead routing and partner delivery.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// Common attribute keys.
	WorkflowIDKey    = "leadroute.workflow.id"
	WorkflowNameKey  = "leadroute.workflow.name"
	NodeIDKey        = "leadroute.node.id"
	NodeKindKey      = "leadroute.node.kind"
	SubmissionIDKey  = "leadroute.submission.id"
	ServiceTypeKey   = "leadroute.submission.service_type"
	PartnerIDKey     = "leadroute.partner.id"
	PartnerNameKey   = "leadroute.partner.name"
	EntryIDKey       = "leadroute.distribution.entry_id"
	AttemptKey       = "leadroute.distribution.attempt"
	ResponseCodeKey  = "leadroute.distribution.response_status"
	OutcomeKey       = "leadroute.outcome"
	TestRunKey       = "leadroute.test_run"
	WorkerIDKey      = "leadroute.worker.id"
	ServiceIDKey     = "leadroute.service.id"
	EventIDKey       = "leadroute.event.id"
	EventTypeKey     = "leadroute.event.type"
	ExpiredCountKey  = "leadroute.sweeper.expired"
	ExecutionIDKey   = "leadroute.execution.id"
	StepsExecutedKey = "leadroute.execution.steps"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// NewTracer exports spans over OTLP/HTTP, configured by the standard OTEL_EXPORTER_OTLP_* variables.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, ShutdownFunc, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// NoopTracer is used when tracing is disabled and in tests.
//
// nolint:ireturn
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("leadroute")
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}

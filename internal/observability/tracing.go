package observability

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds configuration for tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	PrettyPrint bool   `mapstructure:"pretty_print"`
}

// Tracing provides OpenTelemetry tracing functionality. A nil *Tracing is
// valid and produces no-op spans.
type Tracing struct {
	config   TracingConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracing creates a new tracing instance. When tracing is enabled, spans
// are exported to w (stdout when nil) and the provider is installed globally.
func NewTracing(config TracingConfig, logger *zap.Logger, w io.Writer) (*Tracing, error) {
	t := &Tracing{config: config, logger: logger}
	if !config.Enabled {
		t.tracer = trace.NewNoopTracerProvider().Tracer(config.ServiceName)
		return t, nil
	}

	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if config.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", config.ServiceName),
		attribute.String("deployment.environment", config.Environment),
	)

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.provider)
	t.tracer = t.provider.Tracer(config.ServiceName)

	logger.Info("OpenTelemetry tracer initialized", zap.String("service", config.ServiceName))
	return t, nil
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a new span for the given operation.
func (t *Tracing) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, operationName, opts...)
}

// StartSpanWithAttributes starts a new span with the given attributes.
func (t *Tracing) StartSpanWithAttributes(ctx context.Context, operationName string, attributes map[string]string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	spanOpts := append(opts, trace.WithAttributes(toAttributes(attributes)...))
	return t.StartSpan(ctx, operationName, spanOpts...)
}

// AddEvent adds an event to the current span.
func (t *Tracing) AddEvent(ctx context.Context, name string, attributes map[string]string) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(toAttributes(attributes)...))
}

// SetAttributes sets attributes on the current span.
func (t *Tracing) SetAttributes(ctx context.Context, attributes map[string]string) {
	trace.SpanFromContext(ctx).SetAttributes(toAttributes(attributes)...)
}

// RecordError records an error on the current span and marks it failed.
func (t *Tracing) RecordError(ctx context.Context, err error, attributes map[string]string) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, trace.WithAttributes(toAttributes(attributes)...))
	span.SetStatus(codes.Error, err.Error())
}

// IsEnabled returns true if tracing is enabled.
func (t *Tracing) IsEnabled() bool {
	return t != nil && t.config.Enabled
}

func toAttributes(attributes map[string]string) []attribute.KeyValue {
	otelAttrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}
	return otelAttrs
}

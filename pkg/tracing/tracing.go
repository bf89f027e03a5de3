// Package tracing installs an OpenTelemetry provider exporting to Jaeger and
// offers span helpers named after pipeline operations. With tracing disabled
// the global no-op provider stays in place and every helper is free.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "classcast"

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	JaegerURL      string
	Environment    string
	// SampleRate applies to root spans; children follow their parent.
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName:    "classcast",
		ServiceVersion: "dev",
		JaegerURL:      "http://localhost:14268/api/traces",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider owns the SDK provider installed by Init. The zero value
// (tracing disabled) is valid and shuts down as a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	return install(cfg, exp)
}

// install registers a global provider that batches finished spans into exp.
func install(cfg Config, exp tracesdk.SpanExporter) (*TracerProvider, error) {
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// MeasureDuration stamps the elapsed time since start on the span in ctx.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}

var (
	SessionIDKey = attribute.Key("session.id")
	UserIDKey    = attribute.Key("user.id")
	PortKey      = attribute.Key("transcoder.port")
	AccelKey     = attribute.Key("transcoder.accel")
	CourseIDKey  = attribute.Key("course.id")
	ClassIDKey   = attribute.Key("class.id")
	DurationKey  = attribute.Key("duration_ms")
)

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceWebSocketMessage spans the handling of one signaling command.
func TraceWebSocketMessage(ctx context.Context, messageType, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "ws."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ws.message_type", messageType),
			UserIDKey.String(userID),
		),
	)
}

// TraceLiveSession spans a live session transition such as start or stop.
// sessionID may be empty when the id is not known yet.
func TraceLiveSession(ctx context.Context, operation, userID, sessionID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{UserIDKey.String(userID)}
	if sessionID != "" {
		attrs = append(attrs, SessionIDKey.String(sessionID))
	}
	return StartSpan(ctx, "live."+operation, trace.WithAttributes(attrs...))
}

func TraceConversion(ctx context.Context, courseID, classID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "vod.convert",
		trace.WithAttributes(
			CourseIDKey.String(courseID),
			ClassIDKey.String(classID),
		),
	)
}

// TraceDatabaseOperation spans one registry or catalogue store call.
func TraceDatabaseOperation(ctx context.Context, operation, collection string) (context.Context, trace.Span) {
	return StartSpan(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemRedis,
			semconv.DBOperationKey.String(operation),
			attribute.String("db.collection", collection),
		),
	)
}

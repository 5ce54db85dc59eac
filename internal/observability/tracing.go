package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracing installs a TracerProvider with no span processor attached
// — a sanctioned no-op in the otel SDK — so an external collaborator
// can attach a real exporter later via otel.SetTracerProvider without
// any code here needing to change. The session engines start no spans
// of their own.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the process-wide "rgt" tracer for callers that want to
// start spans; the session engines do not call it.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("rgt")
}

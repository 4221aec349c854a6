package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope used by every provtrail span.
const TracerName = "github.com/provtrail/provtrail"

// Exporter names accepted by NewTracerProvider.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// NewTracerProvider builds a tracer provider for the named exporter and
// installs it as the global provider. The stdout exporter writes JSON spans
// to w. With ExporterNone a no-op provider is returned.
func NewTracerProvider(exporter string, w io.Writer, version string) (trace.TracerProvider, ShutdownFunc, error) {
	switch exporter {
	case "", ExporterNone:
		tp := noop.NewTracerProvider()
		return tp, func(context.Context) error { return nil }, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		res := resource.NewSchemaless(
			attribute.String("service.name", "provtrail"),
			attribute.String("service.version", version),
		)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		return tp, tp.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}
}

// Tracer returns the provtrail tracer from tp, or a no-op tracer when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return tp.Tracer(TracerName)
}

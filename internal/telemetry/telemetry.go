// Package telemetry installs the OpenTelemetry tracer provider that the
// trace collector mirrors its spans to.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
)

// ServiceName identifies the kernel in exported spans.
const ServiceName = "quickloan-kb"

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Init sets the global tracer provider according to cfg. With stdout traces
// disabled the global no-op provider is left in place. Spans are written to
// w (stdout when nil).
func Init(ctx context.Context, cfg domain.TelemetryConfig, version string, w io.Writer) (ShutdownFunc, error) {
	if ctx == nil {
		return nil, errors.New("telemetry: nil context")
	}
	if !cfg.StdoutTraces {
		return func(context.Context) error { return nil }, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

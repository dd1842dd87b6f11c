package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "trace")

const (
	PERFORMANCE_REPORT_FILENAME = "performance.json"
	TRACER_NAME                 = "github.com/gh-nvat/gcp-iam-evidence"
)

// InitTracer installs the global tracer provider.
// When enabled, spans are exported as JSON to <outputDir>/performance.json; otherwise the no-op provider stays in place.
// The returned function flushes and closes the exporter.
func InitTracer(serviceName string, enabled bool, outputDir string) (func(), error) {
	if !enabled {
		return func() {}, nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	filePath := filepath.Join(outputDir, PERFORMANCE_REPORT_FILENAME)
	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create performance report: %w", err)
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(f),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.WithField("filePath", filePath).Debug("Tracer initialized")

	return newShutdown(tp, f, filePath), nil
}

// tracerShutdowner is the part of the tracer provider flushed on exit
type tracerShutdowner interface {
	Shutdown(ctx context.Context) error
}

// newShutdown flushes the provider then closes the report file.
// The report is only announced as written when both succeed.
func newShutdown(tp tracerShutdowner, f io.Closer, filePath string) func() {
	return func() {
		ok := true
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithField("error", err).Warn("Failed to shutdown tracer provider")
			ok = false
		}
		if err := f.Close(); err != nil {
			logger.WithField("error", err).Warn("Failed to close performance report")
			ok = false
		}
		if ok {
			logger.WithField("filePath", filePath).Info("Written performance report to file")
		}
	}
}

// StartSpan starts a span from the global tracer provider
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TRACER_NAME).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

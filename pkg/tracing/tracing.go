// Package tracing configures OpenTelemetry for rangerd.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by rangerd packages.
const InstrumentationName = "github.com/n0ot/rangerd"

// Config governs how tracing is initialised.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64

	// Writer receives exported spans. If nil, spans are written to stdout.
	Writer io.Writer
}

// Init installs a global tracer provider based on config,
// and returns a function that flushes and stops it.
func Init(ctx context.Context, config Config, log *logrus.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	w := config.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Create span exporter")
	}

	service := config.ServiceName
	if service == "" {
		service = "rangerd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", service),
	))
	if err != nil {
		return nil, errors.Wrap(err, "Create resource")
	}

	ratio := config.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.WithFields(logrus.Fields{
		"service_name": service,
		"sampler":      fmt.Sprintf("parentbased_traceidratio_%0.2f", ratio),
	}).Info("Tracing enabled")
	return tp.Shutdown, nil
}

// Tracer returns rangerd's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// ShutdownWithTimeout invokes shutdown with a bounded timeout, logging any error.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log *logrus.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.WithField("error", err).Warn("Tracing shutdown failed")
	}
}

package observability

import (
	"context"
	"errors"
	"io"
	"os"
)

// Observability bundles the logger, metrics collector and tracer provider.
type Observability struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// New wires every observability component from config. Output defaults to stderr.
func New(config Config, output io.Writer) (*Observability, error) {
	if output == nil {
		output = os.Stderr
	}
	logger := NewLogger(LogConfig{
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
		Output: output,
	})

	metrics, err := NewMetricsCollector(config.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracerProvider(config.Tracing)
	if err != nil {
		_ = metrics.Shutdown(context.Background())
		return nil, err
	}

	return &Observability{Logger: logger, Metrics: metrics, Tracer: tracer}, nil
}

// Shutdown flushes tracing and metrics.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return errors.Join(o.Tracer.Shutdown(ctx), o.Metrics.Shutdown(ctx))
}

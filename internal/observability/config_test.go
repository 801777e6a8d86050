package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "console", config.Logging.Format)
	assert.True(t, config.Metrics.Enabled)
	assert.False(t, config.Tracing.Enabled)
	assert.Equal(t, "otlp", config.Tracing.Exporter)
	assert.Equal(t, 1.0, config.Tracing.SampleRate)
	assert.Equal(t, "crewwatch", config.Tracing.ServiceName)
}

func TestJSONLoggerIncludesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithTraceID(context.Background(), "trace-1")
	ctx = ContextWithExecutionID(ctx, "exec-1")
	logger.WithContext(ctx).Info("state committed", "status", "running")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"execution_id":"exec-1"`)
	assert.Contains(t, out, `"status":"running"`)
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestConsoleLoggerWritesPlainTextToBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "console", Output: &buf})

	logger.Info("listening", "addr", ":8000")

	assert.Contains(t, buf.String(), "listening")
	assert.Contains(t, buf.String(), "addr=:8000")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "ERROR", ParseLevel(" error ").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	metrics, err := NewMetricsCollector(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	metrics.RecordEvent("flow_started")
	metrics.RecordBroadcast("flow_state", 2)
	metrics.ConnectionOpened()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "crewwatch_events_received")
	assert.Contains(t, string(body), "crewwatch_connections_active")
}

func TestMetricsCollectorsAreIsolated(t *testing.T) {
	first, err := NewMetricsCollector(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	second, err := NewMetricsCollector(MetricsConfig{Enabled: true})
	require.NoError(t, err)

	first.RecordEvent("crew_kickoff_started")
	assert.NotNil(t, second.Handler())
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	metrics, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	metrics.RecordEvent("x")
	metrics.ConnectionClosed()
	metrics.ExecutionEvicted("ttl")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var nilCollector *MetricsCollector
	assert.NotPanics(t, func() { nilCollector.RecordCommit("flow") })
}

func TestTracerProviderRecordsExecutionID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewTracerProviderWithExporter(exporter)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx := ContextWithExecutionID(context.Background(), "exec-9")
	_, span := tp.StartSpan(ctx, SpanStep)
	EndSpan(span, "boom")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanStep, spans[0].Name)

	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == AttrExecutionID {
			found = attr.Value.AsString() == "exec-9"
		}
	}
	assert.True(t, found)
	assert.Equal(t, "boom", spans[0].Status.Description)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported exporter"))
}

func TestNewBundleAndShutdown(t *testing.T) {
	var buf bytes.Buffer
	obs, err := New(DefaultConfig(), &buf)
	require.NoError(t, err)

	obs.Logger.Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NoError(t, obs.Shutdown(context.Background()))

	var nilObs *Observability
	assert.NoError(t, nilObs.Shutdown(context.Background()))
}

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the monitoring core
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// Reconciliation metrics
	eventsReceived metric.Int64Counter
	eventsDropped  metric.Int64Counter
	stateCommits   metric.Int64Counter
	handlerPanics  metric.Int64Counter

	// Fanout metrics
	broadcasts       metric.Int64Counter
	messagesQueued   metric.Int64Counter
	deliveryFailures metric.Int64Counter

	// Registry gauges
	connectionsActive metric.Int64UpDownCounter
	executionsTracked metric.Int64UpDownCounter
	executionsEvicted metric.Int64Counter

	// HTTP metrics
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewMetricsCollector creates a new metrics collector. Each collector owns a
// private Prometheus registry so several instances can coexist in one process.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := provider.Meter("crewwatch")

	m := &MetricsCollector{meter: meter, provider: provider, registry: registry}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.eventsReceived, "crewwatch.events.received", "Framework events received by the reconciler", "{event}"},
		{&m.eventsDropped, "crewwatch.events.dropped", "Events dropped because the execution or step was unknown", "{event}"},
		{&m.stateCommits, "crewwatch.state.commits", "Execution state mutations that changed the record", "{commit}"},
		{&m.handlerPanics, "crewwatch.handler.panics", "Event handler panics recovered at the bus boundary", "{panic}"},
		{&m.broadcasts, "crewwatch.broadcasts.total", "Snapshot broadcasts dispatched", "{broadcast}"},
		{&m.messagesQueued, "crewwatch.messages.queued", "Messages queued onto connection outbound queues", "{message}"},
		{&m.deliveryFailures, "crewwatch.delivery.failures", "Connections torn down after a failed send", "{failure}"},
		{&m.executionsEvicted, "crewwatch.executions.evicted", "Execution records evicted by the reaper or an operator", "{execution}"},
		{&m.httpRequests, "crewwatch.http.server.requests", "HTTP requests served", "{request}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	connectionsActive, err := meter.Int64UpDownCounter(
		"crewwatch.connections.active",
		metric.WithDescription("Number of live WebSocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections_active gauge: %w", err)
	}
	m.connectionsActive = connectionsActive

	executionsTracked, err := meter.Int64UpDownCounter(
		"crewwatch.executions.tracked",
		metric.WithDescription("Number of execution records held in memory"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions_tracked gauge: %w", err)
	}
	m.executionsTracked = executionsTracked

	httpLatency, err := meter.Float64Histogram(
		"crewwatch.http.server.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http latency histogram: %w", err)
	}
	m.httpLatency = httpLatency

	return m, nil
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func addCounter(counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func addUpDown(counter metric.Int64UpDownCounter, n int64) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), n)
}

// RecordEvent counts an inbound framework event by type.
func (m *MetricsCollector) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	addCounter(m.eventsReceived, 1, attribute.String("event_type", eventType))
}

// RecordDropped counts an event that could not be applied.
func (m *MetricsCollector) RecordDropped(eventType, reason string) {
	if m == nil {
		return
	}
	addCounter(m.eventsDropped, 1, attribute.String("event_type", eventType), attribute.String("reason", reason))
}

// RecordCommit counts a state change for an execution kind.
func (m *MetricsCollector) RecordCommit(kind string) {
	if m == nil {
		return
	}
	addCounter(m.stateCommits, 1, attribute.String("kind", kind))
}

// RecordHandlerPanic counts a recovered handler panic.
func (m *MetricsCollector) RecordHandlerPanic(eventType string) {
	if m == nil {
		return
	}
	addCounter(m.handlerPanics, 1, attribute.String("event_type", eventType))
}

// RecordBroadcast counts a broadcast and the number of queued deliveries.
func (m *MetricsCollector) RecordBroadcast(messageType string, delivered int) {
	if m == nil {
		return
	}
	addCounter(m.broadcasts, 1, attribute.String("message_type", messageType))
	if delivered > 0 {
		addCounter(m.messagesQueued, int64(delivered), attribute.String("message_type", messageType))
	}
}

// RecordDeliveryFailure counts a connection removed after a failed send.
func (m *MetricsCollector) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	addCounter(m.deliveryFailures, 1)
}

// ConnectionOpened increments the active connection gauge.
func (m *MetricsCollector) ConnectionOpened() {
	if m == nil {
		return
	}
	addUpDown(m.connectionsActive, 1)
}

// ConnectionClosed decrements the active connection gauge.
func (m *MetricsCollector) ConnectionClosed() {
	if m == nil {
		return
	}
	addUpDown(m.connectionsActive, -1)
}

// ExecutionTracked increments the tracked execution gauge.
func (m *MetricsCollector) ExecutionTracked() {
	if m == nil {
		return
	}
	addUpDown(m.executionsTracked, 1)
}

// ExecutionEvicted decrements the tracked gauge and counts the eviction.
func (m *MetricsCollector) ExecutionEvicted(reason string) {
	if m == nil {
		return
	}
	addUpDown(m.executionsTracked, -1)
	addCounter(m.executionsEvicted, 1, attribute.String("reason", reason))
}

// RecordHTTPServerRequest records one served request.
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
}

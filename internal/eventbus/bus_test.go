package eventbus

import (
	"sync"
	"testing"

	"crewwatch/internal/events"
	"crewwatch/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	mu     sync.Mutex
	events map[string]int
	panics map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{events: map[string]int{}, panics: map[string]int{}}
}

func (m *countingMetrics) RecordEvent(t string) {
	m.mu.Lock()
	m.events[t]++
	m.mu.Unlock()
}

func (m *countingMetrics) RecordHandlerPanic(t string) {
	m.mu.Lock()
	m.panics[t]++
	m.mu.Unlock()
}

func TestEmitRunsHandlersInOrder(t *testing.T) {
	bus := New(logging.Nop(), nil)
	var calls []string
	bus.On(events.TypeStepStarted, "first", func(events.Source, events.Event) { calls = append(calls, "first") })
	bus.On(events.TypeStepStarted, "second", func(events.Source, events.Event) { calls = append(calls, "second") })
	bus.OnAny("any", func(events.Source, events.Event) { calls = append(calls, "any") })

	bus.Emit(&events.StaticSource{}, events.StepStarted{})

	assert.Equal(t, []string{"first", "second", "any"}, calls)
}

func TestRegistrationIsIdempotentPerKey(t *testing.T) {
	bus := New(logging.Nop(), nil)
	count := 0
	handler := func(events.Source, events.Event) { count++ }

	assert.True(t, bus.On(events.TypeStepFinished, "reconciler", handler))
	assert.False(t, bus.On(events.TypeStepFinished, "reconciler", handler))
	assert.Equal(t, 1, bus.HandlerCount(events.TypeStepFinished))

	bus.Emit(nil, events.StepFinished{})
	assert.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotReachEmitter(t *testing.T) {
	metrics := newCountingMetrics()
	bus := New(logging.Nop(), metrics)
	reached := false
	bus.On(events.TypeExecutionFailed, "bad", func(events.Source, events.Event) { panic("boom") })
	bus.On(events.TypeExecutionFailed, "good", func(events.Source, events.Event) { reached = true })

	require.NotPanics(t, func() {
		bus.Emit(nil, events.ExecutionFailed{Error: "x"})
	})
	assert.True(t, reached)
	assert.Equal(t, 1, metrics.panics[string(events.TypeExecutionFailed)])
	assert.Equal(t, 1, metrics.events[string(events.TypeExecutionFailed)])
}

func TestOffRemovesHandlers(t *testing.T) {
	bus := New(logging.Nop(), nil)
	count := 0
	bus.On(events.TypeFlowStarted, "k", func(events.Source, events.Event) { count++ })
	bus.OnAny("k", func(events.Source, events.Event) { count++ })
	bus.Off("k")

	bus.Emit(nil, events.ExecutionStarted{})
	assert.Zero(t, count)
	assert.Zero(t, bus.HandlerCount(events.TypeFlowStarted))
}

func TestEmitNilEventIsIgnored(t *testing.T) {
	bus := New(logging.Nop(), nil)
	assert.NotPanics(t, func() { bus.Emit(nil, nil) })
}

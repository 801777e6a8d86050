// Package eventbus is the in-process event bus the framework emits onto.
// Handlers run synchronously on the emitting goroutine; a panicking handler is
// recovered and logged, never propagated to the emitter.
package eventbus

import (
	"fmt"
	"sync"

	"crewwatch/internal/async"
	"crewwatch/internal/events"
	"crewwatch/internal/logging"
)

// Handler consumes one event.
type Handler func(source events.Source, event events.Event)

// Metrics is the subset of the metrics collector the bus reports to.
type Metrics interface {
	RecordEvent(eventType string)
	RecordHandlerPanic(eventType string)
}

type registration struct {
	key string
	fn  Handler
}

// Bus dispatches events to handlers registered per event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[events.Type][]registration
	wildcard []registration
	logger   logging.Logger
	metrics  Metrics
}

// New returns an empty bus.
func New(logger logging.Logger, metrics Metrics) *Bus {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("EventBus")
	}
	return &Bus{
		handlers: make(map[events.Type][]registration),
		logger:   logger,
		metrics:  metrics,
	}
}

// On registers fn for t under key. Registering the same key for the same
// type again is a no-op and reports false.
func (b *Bus) On(t events.Type, key string, fn Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reg := range b.handlers[t] {
		if reg.key == key {
			return false
		}
	}
	b.handlers[t] = append(b.handlers[t], registration{key: key, fn: fn})
	return true
}

// OnAny registers fn for every event type under key.
func (b *Bus) OnAny(key string, fn Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, reg := range b.wildcard {
		if reg.key == key {
			return false
		}
	}
	b.wildcard = append(b.wildcard, registration{key: key, fn: fn})
	return true
}

// Off removes every handler registered under key.
func (b *Bus) Off(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, regs := range b.handlers {
		b.handlers[t] = without(regs, key)
	}
	b.wildcard = without(b.wildcard, key)
}

func without(regs []registration, key string) []registration {
	out := regs[:0:0]
	for _, reg := range regs {
		if reg.key != key {
			out = append(out, reg)
		}
	}
	return out
}

// HandlerCount reports how many handlers would receive an event of type t.
func (b *Bus) HandlerCount(t events.Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t]) + len(b.wildcard)
}

// Emit delivers event to every matching handler in registration order and
// returns once all of them ran.
func (b *Bus) Emit(source events.Source, event events.Event) {
	if event == nil {
		return
	}
	eventType := event.EventType()

	b.mu.RLock()
	regs := make([]registration, 0, len(b.handlers[eventType])+len(b.wildcard))
	regs = append(regs, b.handlers[eventType]...)
	regs = append(regs, b.wildcard...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordEvent(string(eventType))
	}
	if len(regs) == 0 {
		b.logger.Debug("no handler for %s", eventType)
		return
	}

	for _, reg := range regs {
		name := fmt.Sprintf("%s/%s", reg.key, eventType)
		if ok := async.Guard(b.logger, name, func() { reg.fn(source, event) }); !ok && b.metrics != nil {
			b.metrics.RecordHandlerPanic(string(eventType))
		}
	}
}

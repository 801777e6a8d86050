package fanout

import (
	"sync"

	"crewwatch/internal/connection"
	"crewwatch/internal/execution"
	"crewwatch/internal/logging"
)

// Metrics is the subset of the metrics collector fanout reports to.
type Metrics interface {
	RecordBroadcast(messageType string, delivered int)
	RecordDeliveryFailure()
}

// Broadcaster keeps the per-key subscriber sets and pushes messages into each
// subscriber's queue. It implements connection.Subscriptions.
type Broadcaster struct {
	mu   sync.RWMutex
	sets map[string]map[string]*connection.Connection

	failMu    sync.RWMutex
	onFailure func(connID string)

	metrics Metrics
	logger  logging.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger logging.Logger, metrics Metrics) *Broadcaster {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Broadcaster")
	}
	return &Broadcaster{
		sets:    make(map[string]map[string]*connection.Connection),
		metrics: metrics,
		logger:  logger,
	}
}

// OnFailure sets the callback used to tear down a connection whose queue
// rejected a message.
func (b *Broadcaster) OnFailure(fn func(connID string)) {
	b.failMu.Lock()
	b.onFailure = fn
	b.failMu.Unlock()
}

// Add subscribes c to key.
func (b *Broadcaster) Add(key string, c *connection.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]*connection.Connection)
		b.sets[key] = set
	}
	set[c.ID()] = c
}

// Remove unsubscribes connID from key.
func (b *Broadcaster) Remove(key, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(b.sets, key)
	}
}

// Subscribers reports the size of key's subscriber set.
func (b *Broadcaster) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sets[key])
}

// Broadcast queues msg for every subscriber of the given keys and returns the
// number of connections it reached. A connection that rejects the message is
// torn down; the others and the caller are unaffected.
func (b *Broadcaster) Broadcast(msg connection.Outbound, keys ...string) int {
	b.mu.RLock()
	targets := make([]*connection.Connection, 0)
	for _, key := range keys {
		for _, c := range b.sets[key] {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if err := c.Enqueue(msg); err != nil {
			b.logger.Warn("drop connection %s after failed send: %v", c.ID(), err)
			b.fail(c)
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Broadcaster) fail(c *connection.Connection) {
	if b.metrics != nil {
		b.metrics.RecordDeliveryFailure()
	}
	b.mu.Lock()
	for key, set := range b.sets {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(b.sets, key)
		}
	}
	b.mu.Unlock()

	b.failMu.RLock()
	onFailure := b.onFailure
	b.failMu.RUnlock()
	if onFailure != nil {
		onFailure(c.ID())
	}
}

// Publish renders state once and delivers it to subscribers of the execution
// and to wildcard subscribers of its kind.
func (b *Broadcaster) Publish(state execution.State) int {
	msg := StateMessage(state)
	out, err := SnapshotOutbound(state)
	if err != nil {
		b.logger.Error("encode snapshot for %s: %v", state.ID, err)
		return 0
	}
	delivered := b.Broadcast(out, state.ID, connection.WildcardKey(state.Kind))
	if b.metrics != nil {
		b.metrics.RecordBroadcast(msg.Type, delivered)
	}
	return delivered
}

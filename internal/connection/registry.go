package connection

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"crewwatch/internal/execution"
	"crewwatch/internal/logging"

	"github.com/google/uuid"
)

// WildcardKey is the subscription key that receives snapshots of every
// execution of kind.
func WildcardKey(kind execution.Kind) string {
	return "*" + string(kind)
}

// Subscriptions is the fanout side of a subscription: the per-key subscriber
// sets the broadcaster delivers to.
type Subscriptions interface {
	Add(key string, c *Connection)
	Remove(key string, connID string)
}

// SnapshotFunc renders the current snapshot for key. It reports false when
// there is nothing to send yet.
type SnapshotFunc func(key string) (Outbound, bool)

// Metrics is the subset of the metrics collector the registry reports to.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Registry owns every live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	subs     Subscriptions
	snapshot SnapshotFunc
	metrics  Metrics
	logger   logging.Logger
	clock    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSnapshot sets the renderer used for the one-shot snapshot on subscribe.
func WithSnapshot(fn SnapshotFunc) Option {
	return func(r *Registry) { r.snapshot = fn }
}

// WithMetrics reports opened and closed connections.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the registry logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// NewRegistry creates a registry backed by subs.
func NewRegistry(subs Subscriptions, opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		subs:   subs,
		logger: logging.NewComponentLogger("ConnectionRegistry"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a new connection and returns it.
func (r *Registry) Connect() *Connection {
	conn := newConnection(uuid.NewString(), r.clock())
	r.mu.Lock()
	r.conns[conn.id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionOpened()
	}
	r.logger.Info("connection %s opened (%d active)", conn.id, total)
	return conn
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Subscribe points connection id at key, replacing any previous subscription,
// and queues the current snapshot for key when one exists.
func (r *Registry) Subscribe(id, key string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	prev := conn.setSubscription(key)
	if prev != "" && prev != key && r.subs != nil {
		r.subs.Remove(prev, id)
	}
	if r.subs != nil {
		r.subs.Add(key, conn)
	}

	// Disconnect may have raced the subscription; undo it.
	if _, still := r.Get(id); !still {
		if r.subs != nil {
			r.subs.Remove(key, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}

	if r.snapshot == nil {
		return nil
	}
	msg, ok := r.snapshot(key)
	if !ok {
		return nil
	}
	if err := conn.enqueue(msg, prev != key); err != nil {
		r.Disconnect(id)
		return fmt.Errorf("queue snapshot for %s: %w", id, err)
	}
	return nil
}

// Send queues a control message for connection id.
func (r *Registry) Send(id string, data []byte) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if err := conn.Enqueue(Outbound{Data: data}); err != nil {
		r.Disconnect(id)
		return err
	}
	return nil
}

// Disconnect removes every trace of connection id: the registry entry, its
// subscription and its queue. It is safe to call more than once.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return
	}

	if key := conn.setSubscription(""); key != "" && r.subs != nil {
		r.subs.Remove(key, id)
	}
	conn.close()

	if r.metrics != nil {
		r.metrics.ConnectionClosed()
	}
	r.logger.Info("connection %s closed (%d active)", id, total)
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs lists live connection IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll disconnects every connection.
func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Disconnect(id)
	}
}

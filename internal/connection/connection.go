// Package connection tracks live client connections, their subscription and
// their outbound queue.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"crewwatch/internal/async"
)

// Outbound is one encoded message waiting for a connection's writer.
// ExecutionID and Version are set for state snapshots so stale snapshots can
// be discarded; control messages leave them empty.
type Outbound struct {
	Data        []byte
	ExecutionID string
	Version     uint64
}

var (
	// ErrClosed is returned when pushing to a connection that was torn down.
	ErrClosed = async.ErrClosed
	// ErrUnknown is returned for operations on an unregistered connection.
	ErrUnknown = errors.New("connection: unknown connection")
)

// Connection is the registry's record of one client.
type Connection struct {
	id        string
	createdAt time.Time
	queue     *async.Queue[Outbound]

	mu           sync.Mutex
	subscription string
	delivered    map[string]uint64
}

func newConnection(id string, now time.Time) *Connection {
	return &Connection{
		id:        id,
		createdAt: now,
		queue:     async.NewQueue[Outbound](),
		delivered: make(map[string]uint64),
	}
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the connection was registered.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Subscription returns the subscribed key, if any.
func (c *Connection) Subscription() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription
}

func (c *Connection) setSubscription(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.subscription
	c.subscription = key
	return prev
}

// Enqueue queues msg for the writer. A snapshot whose version is not newer
// than one already queued for the same execution is dropped, which keeps
// delivery order equal to mutation order when a subscribe snapshot races a
// broadcast.
func (c *Connection) Enqueue(msg Outbound) error {
	return c.enqueue(msg, false)
}

// enqueue with resend also accepts a snapshot equal to the last one queued,
// so a changed subscription always gets its snapshot.
func (c *Connection) enqueue(msg Outbound, resend bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ExecutionID != "" && msg.Version > 0 {
		if last, ok := c.delivered[msg.ExecutionID]; ok {
			if msg.Version < last || (msg.Version == last && !resend) {
				return nil
			}
		}
	}
	if err := c.queue.Push(msg); err != nil {
		return err
	}
	if msg.ExecutionID != "" && msg.Version > 0 {
		c.delivered[msg.ExecutionID] = msg.Version
	}
	return nil
}

// Next blocks until the next outbound message is available.
func (c *Connection) Next(ctx context.Context) (Outbound, error) {
	return c.queue.Pop(ctx)
}

// Pending reports how many messages wait for the writer.
func (c *Connection) Pending() int {
	return c.queue.Len()
}

func (c *Connection) close() {
	c.queue.Close()
}

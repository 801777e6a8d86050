package fanout

import (
	"context"
	"errors"

	"crewwatch/internal/async"
	"crewwatch/internal/execution"
	"crewwatch/internal/logging"
)

// Publisher delivers one snapshot.
type Publisher interface {
	Publish(state execution.State) int
}

// Dispatcher hands snapshots from emitting goroutines to a single delivery
// goroutine. Enqueue never blocks; snapshots are published in enqueue order.
type Dispatcher struct {
	queue     *async.Queue[execution.State]
	publisher Publisher
	logger    logging.Logger
}

// NewDispatcher creates a dispatcher publishing through p.
func NewDispatcher(p Publisher, logger logging.Logger) *Dispatcher {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Dispatcher")
	}
	return &Dispatcher{
		queue:     async.NewQueue[execution.State](),
		publisher: p,
		logger:    logger,
	}
}

// Enqueue schedules state for broadcast. It is safe from any goroutine.
func (d *Dispatcher) Enqueue(state execution.State) {
	if err := d.queue.Push(state); err != nil {
		d.logger.Debug("dispatcher stopped, dropping snapshot for %s", state.ID)
	}
}

// Pending reports snapshots waiting for delivery.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Run publishes queued snapshots until ctx is done or Close was called and
// the queue is drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		state, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, async.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		async.Guard(d.logger, "dispatcher.publish", func() {
			d.publisher.Publish(state)
		})
	}
}

// Close stops accepting snapshots; Run returns after draining.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

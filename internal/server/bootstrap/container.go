package bootstrap

import (
	"fmt"
	"strings"

	"crewwatch/internal/config"
	"crewwatch/internal/connection"
	"crewwatch/internal/control"
	"crewwatch/internal/eventbus"
	"crewwatch/internal/execution"
	"crewwatch/internal/fanout"
	"crewwatch/internal/identity"
	"crewwatch/internal/logging"
	"crewwatch/internal/observability"
	"crewwatch/internal/reconciler"
	"crewwatch/internal/store"
	"crewwatch/internal/telemetry"
)

// Container holds every long-lived service of the monitor.
type Container struct {
	Config      config.Config
	Obs         *observability.Observability
	Resolver    *identity.Resolver
	Store       *store.Store
	Bus         *eventbus.Bus
	Recorder    *telemetry.Recorder
	Reconciler  *reconciler.Reconciler
	Broadcaster *fanout.Broadcaster
	Dispatcher  *fanout.Dispatcher
	Registry    *connection.Registry
	Control     *control.Service
}

// BuildContainer wires the services. obs may be nil, in which case metrics
// and tracing are disabled.
func BuildContainer(cfg config.Config, obs *observability.Observability) (*Container, error) {
	if obs == nil {
		obs = &observability.Observability{Tracer: observability.NewNoopTracerProvider()}
	}
	metrics := obs.Metrics

	c := &Container{Config: cfg, Obs: obs}

	c.Resolver = identity.NewResolver(identity.WithLogger(logging.NewComponentLogger("IdentityResolver")))
	c.Recorder = telemetry.NewRecorder(cfg.Telemetry.MaxEvents, obs.Tracer)

	c.Broadcaster = fanout.NewBroadcaster(logging.NewComponentLogger("Broadcaster"), metrics)
	c.Dispatcher = fanout.NewDispatcher(c.Broadcaster, logging.NewComponentLogger("Dispatcher"))

	st, err := store.New(cfg.Store.MaxTerminal,
		store.WithTerminalTTL(cfg.Store.TerminalTTL),
		store.WithMetrics(metrics),
		store.WithLogger(logging.NewComponentLogger("StateStore")),
		store.WithCommitHook(c.Dispatcher.Enqueue),
		store.WithEvictHook(func(id, reason string) {
			c.Resolver.Forget(id)
			c.Recorder.Forget(id)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build state store: %w", err)
	}
	c.Store = st

	c.Registry = connection.NewRegistry(c.Broadcaster,
		connection.WithSnapshot(c.snapshot),
		connection.WithMetrics(metrics),
		connection.WithLogger(logging.NewComponentLogger("ConnectionRegistry")),
	)
	c.Broadcaster.OnFailure(c.Registry.Disconnect)

	c.Bus = eventbus.New(logging.NewComponentLogger("EventBus"), metrics)
	c.Reconciler = reconciler.New(c.Store, c.Resolver,
		reconciler.WithRecorder(c.Recorder),
		reconciler.WithMetrics(metrics),
		reconciler.WithLogger(logging.NewComponentLogger("Reconciler")),
	)
	c.Reconciler.Attach(c.Bus)

	c.Control = control.NewService(c.Bus, c.Store, c.Resolver,
		control.WithTraces(c.Recorder),
		control.WithLogger(logging.NewComponentLogger("Control")),
	)
	return c, nil
}

// snapshot renders the one-shot message a new subscriber receives. Wildcard
// subscribers get the most recently updated execution of the kind.
func (c *Container) snapshot(key string) (connection.Outbound, bool) {
	var state execution.State
	if kind, ok := strings.CutPrefix(key, "*"); ok {
		found := false
		for _, st := range c.Store.List() {
			if string(st.Kind) != kind {
				continue
			}
			if !found || st.Timestamp.After(state.Timestamp) {
				state, found = st, true
			}
		}
		if !found {
			return connection.Outbound{}, false
		}
	} else {
		st, err := c.Store.Get(key)
		if err != nil {
			return connection.Outbound{}, false
		}
		state = st
	}
	msg, err := fanout.SnapshotOutbound(state)
	if err != nil {
		return connection.Outbound{}, false
	}
	return msg, true
}

// Close stops delivery and drops every connection.
func (c *Container) Close() {
	c.Dispatcher.Close()
	c.Registry.CloseAll()
}

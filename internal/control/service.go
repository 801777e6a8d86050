// Package control is the operator-facing side of the monitor: starting
// executions under a canonical ID, listing and inspecting them, evicting
// finished ones and ingesting framework events from outside the process.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewwatch/internal/events"
	"crewwatch/internal/execution"
	"crewwatch/internal/identity"
	"crewwatch/internal/logging"
	"crewwatch/internal/store"
	"crewwatch/internal/telemetry"

	"github.com/google/uuid"
)

// Emitter publishes events onto the bus.
type Emitter interface {
	Emit(source events.Source, event events.Event)
}

// TraceSource serves recorded traces.
type TraceSource interface {
	Get(id string) (telemetry.Trace, bool)
}

// StartRequest asks for a new execution.
type StartRequest struct {
	Kind   execution.Kind `json:"kind"`
	Name   string         `json:"name"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Summary is the list view of an execution.
type Summary struct {
	ID          string           `json:"id"`
	Kind        execution.Kind   `json:"kind"`
	Name        string           `json:"name"`
	Status      execution.Status `json:"status"`
	Steps       int              `json:"steps"`
	Aliases     []string         `json:"aliases,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Service implements the control plane.
type Service struct {
	bus      Emitter
	store    *store.Store
	resolver *identity.Resolver
	traces   TraceSource
	newID    func() string
	clock    func() time.Time
	logger   logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTraces enables trace lookups.
func WithTraces(t TraceSource) Option {
	return func(s *Service) { s.traces = t }
}

// WithIDGenerator overrides canonical ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(logger) }
}

// NewService wires the control plane.
func NewService(bus Emitter, st *store.Store, resolver *identity.Resolver, opts ...Option) *Service {
	s := &Service{
		bus:      bus,
		store:    st,
		resolver: resolver,
		newID:    uuid.NewString,
		clock:    time.Now,
		logger:   logging.NewComponentLogger("Control"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start issues a canonical ID and announces the execution before the
// framework runs it, so the first framework event can be paired with it.
func (s *Service) Start(ctx context.Context, req StartRequest) (execution.State, error) {
	if err := ctx.Err(); err != nil {
		return execution.State{}, err
	}
	req.Kind = execution.Kind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	req.Name = strings.TrimSpace(req.Name)
	if !req.Kind.Valid() {
		return execution.State{}, ValidationError(fmt.Sprintf("kind must be %q or %q", execution.KindCrew, execution.KindFlow))
	}
	if req.Name == "" {
		return execution.State{}, ValidationError("name is required")
	}

	id := s.newID()
	s.bus.Emit(nil, events.ExecutionInitRequested{
		Base:        events.Base{Timestamp: s.clock()},
		ExecutionID: id,
		Kind:        req.Kind,
		Name:        req.Name,
		Inputs:      req.Inputs,
	})

	state, err := s.store.Get(id)
	if err != nil {
		return execution.State{}, fmt.Errorf("start %s %q: %w", req.Kind, req.Name, err)
	}
	s.logger.Info("started %s %q as %s", req.Kind, req.Name, id)
	return state, nil
}

// List returns every tracked execution, oldest first. An empty kind lists all.
func (s *Service) List(kind execution.Kind) []Summary {
	states := s.store.List()
	out := make([]Summary, 0, len(states))
	for _, st := range states {
		if kind != "" && st.Kind != kind {
			continue
		}
		out = append(out, Summary{
			ID:          st.ID,
			Kind:        st.Kind,
			Name:        st.Name,
			Status:      st.Status,
			Steps:       len(st.Steps),
			Aliases:     s.resolver.Aliases(st.ID),
			CreatedAt:   st.CreatedAt,
			UpdatedAt:   st.Timestamp,
			CompletedAt: st.CompletedAt,
		})
	}
	return out
}

// canonical maps id through the alias table.
func (s *Service) canonical(id string) string {
	if c, ok := s.resolver.Lookup(id); ok {
		return c
	}
	return id
}

// Get returns the execution for id, which may be any known alias.
func (s *Service) Get(id string) (execution.State, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return execution.State{}, ValidationError("execution id is required")
	}
	state, err := s.store.Get(s.canonical(id))
	if errors.Is(err, store.ErrNotFound) {
		return execution.State{}, NotFoundError(fmt.Sprintf("execution %s", id))
	}
	return state, err
}

// Resolve returns the canonical ID for id when the execution exists.
func (s *Service) Resolve(id string) (string, bool) {
	c := s.canonical(strings.TrimSpace(id))
	return c, c != "" && s.store.Has(c)
}

// Evict removes a terminal execution. Running executions cannot be evicted.
func (s *Service) Evict(id string) error {
	state, err := s.Get(id)
	if err != nil {
		return err
	}
	if !state.IsTerminal() {
		return ConflictError(fmt.Sprintf("execution %s is still %s", state.ID, state.Status))
	}
	if !s.store.Delete(state.ID) {
		return NotFoundError(fmt.Sprintf("execution %s", id))
	}
	s.logger.Info("evicted execution %s", state.ID)
	return nil
}

// RegisterAlias binds a framework-internal ID to an existing execution.
func (s *Service) RegisterAlias(id, alias string) ([]string, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, ValidationError("alias is required")
	}
	state, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.resolver.RegisterAlias(state.ID, alias); err != nil {
		if errors.Is(err, identity.ErrAliasConflict) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, err
	}
	return s.resolver.Aliases(state.ID), nil
}

// Trace returns the recorded trace for id.
func (s *Service) Trace(id string) (telemetry.Trace, error) {
	state, err := s.Get(id)
	if err != nil {
		return telemetry.Trace{}, err
	}
	if s.traces == nil {
		return telemetry.Trace{}, NotFoundError("tracing disabled")
	}
	trace, ok := s.traces.Get(state.ID)
	if !ok {
		return telemetry.Trace{}, NotFoundError(fmt.Sprintf("trace for %s", state.ID))
	}
	return trace, nil
}

// Ingest decodes one framework event envelope and emits it on the bus.
func (s *Service) Ingest(data []byte) (events.Type, error) {
	source, event, err := events.Decode(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	s.bus.Emit(source, event)
	return event.EventType(), nil
}

// IngestBatch emits every envelope in order and reports how many were
// accepted. Decoding stops at the first invalid envelope.
func (s *Service) IngestBatch(batch [][]byte) (int, error) {
	for i, data := range batch {
		if _, err := s.Ingest(data); err != nil {
			return i, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return len(batch), nil
}

// Counts summarises tracked executions by status.
func (s *Service) Counts() map[execution.Status]int {
	out := make(map[execution.Status]int)
	for _, st := range s.store.List() {
		out[st.Status]++
	}
	return out
}

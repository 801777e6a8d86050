// Package store holds the canonical ID -> execution state map. Each execution
// has its own lock: mutations of one execution are serialized, mutations of
// different executions proceed independently.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crewwatch/internal/execution"
	"crewwatch/internal/logging"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when no record exists for the requested ID.
var ErrNotFound = errors.New("store: execution not found")

// Eviction reasons reported to evict hooks.
const (
	ReasonTTL      = "ttl"
	ReasonCapacity = "capacity"
	ReasonOperator = "operator"
)

// CommitHook observes every committed change. It runs under the execution
// lock, so successive calls for one execution arrive in mutation order. It
// must not block.
type CommitHook func(snapshot execution.State)

// EvictHook observes removals.
type EvictHook func(id string, reason string)

// Metrics is the subset of the metrics collector the store reports to.
type Metrics interface {
	ExecutionTracked()
	ExecutionEvicted(reason string)
	RecordCommit(kind string)
}

type record struct {
	mu      sync.Mutex
	state   *execution.State
	removed bool
}

// Store is the in-memory state store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	// termMu serializes capacity checks on terminal. Capacity evictions are
	// driven by trackTerminal; removing a cache entry never evicts a record.
	termMu      sync.Mutex
	terminal    *lru.Cache[string, time.Time]
	maxTerminal int
	ttl         time.Duration

	// seq is store-wide so versions stay monotonic across resets and
	// evict-then-recreate.
	seq atomic.Uint64

	onCommit []CommitHook
	onEvict  []EvictHook
	metrics  Metrics
	clock    func() time.Time
	logger   logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCommitHook registers a commit observer.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) {
		if hook != nil {
			s.onCommit = append(s.onCommit, hook)
		}
	}
}

// WithEvictHook registers an eviction observer.
func WithEvictHook(hook EvictHook) Option {
	return func(s *Store) {
		if hook != nil {
			s.onEvict = append(s.onEvict, hook)
		}
	}
}

// WithTerminalTTL sets how long terminal executions are retained by Reap.
func WithTerminalTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithMetrics reports tracked executions and evictions.
func WithMetrics(m Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// New creates a store retaining at most maxTerminal terminal executions.
func New(maxTerminal int, opts ...Option) (*Store, error) {
	if maxTerminal <= 0 {
		return nil, fmt.Errorf("store: max terminal must be positive, got %d", maxTerminal)
	}
	s := &Store{
		records: make(map[string]*record),
		clock:   time.Now,
		logger:  logging.NewComponentLogger("StateStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[string, time.Time](maxTerminal)
	if err != nil {
		return nil, fmt.Errorf("store: create terminal cache: %w", err)
	}
	s.terminal = cache
	s.maxTerminal = maxTerminal
	return s, nil
}

// lock returns the locked record for id, or nil.
func (s *Store) lock(id string) *record {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return nil
	}
	return rec
}

// lockOrCreate returns the locked record for id, inserting create() when absent.
func (s *Store) lockOrCreate(id string, create func() *execution.State) (*record, bool) {
	for {
		if rec := s.lock(id); rec != nil {
			return rec, false
		}
		s.mu.Lock()
		if _, exists := s.records[id]; exists {
			s.mu.Unlock()
			continue
		}
		state := create()
		state.ID = id
		if state.Steps == nil {
			state.Steps = []execution.Step{}
		}
		rec := &record{state: state}
		rec.mu.Lock()
		s.records[id] = rec
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ExecutionTracked()
		}
		return rec, true
	}
}

// commit must be called with rec locked.
func (s *Store) commit(rec *record) execution.State {
	rec.state.Version = s.seq.Add(1)
	snapshot := rec.state.Clone()
	if s.metrics != nil {
		s.metrics.RecordCommit(string(snapshot.Kind))
	}
	for _, hook := range s.onCommit {
		hook(snapshot)
	}
	return snapshot
}

// GetOrCreate returns the record for id, inserting initial when absent. An
// existing record is never overwritten.
func (s *Store) GetOrCreate(id string, initial *execution.State) (execution.State, bool) {
	snapshot, created := s.Upsert(id, func() *execution.State { return initial }, nil)
	return snapshot, created
}

// Upsert locks the record for id, creating it with create when absent, and
// applies fn. fn reports whether it changed anything; creation always counts
// as a change.
func (s *Store) Upsert(id string, create func() *execution.State, fn func(*execution.State) bool) (execution.State, bool) {
	rec, created := s.lockOrCreate(id, create)
	changed := created
	if fn != nil && fn(rec.state) {
		changed = true
	}
	var snapshot execution.State
	if changed {
		snapshot = s.commit(rec)
	} else {
		snapshot = rec.state.Clone()
	}
	terminal := snapshot.IsTerminal()
	rec.mu.Unlock()

	if changed {
		s.trackTerminal(id, terminal)
	}
	return snapshot, changed
}

// Mutate applies fn under the execution lock and returns the post-mutation
// snapshot. fn reports whether it changed the record; unchanged records are
// not committed.
func (s *Store) Mutate(id string, fn func(*execution.State) bool) (execution.State, bool, error) {
	rec := s.lock(id)
	if rec == nil {
		return execution.State{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := fn(rec.state)
	var snapshot execution.State
	if changed {
		snapshot = s.commit(rec)
	} else {
		snapshot = rec.state.Clone()
	}
	terminal := snapshot.IsTerminal()
	rec.mu.Unlock()

	if changed {
		s.trackTerminal(id, terminal)
	}
	return snapshot, changed, nil
}

// Reset replaces the record for id with fresh, creating it when absent.
func (s *Store) Reset(id string, fresh *execution.State) execution.State {
	rec, created := s.lockOrCreate(id, func() *execution.State { return fresh })
	if !created {
		fresh.ID = id
		if fresh.Steps == nil {
			fresh.Steps = []execution.Step{}
		}
		rec.state = fresh
	}
	snapshot := s.commit(rec)
	terminal := snapshot.IsTerminal()
	rec.mu.Unlock()

	s.trackTerminal(id, terminal)
	return snapshot
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (execution.State, error) {
	rec := s.lock(id)
	if rec == nil {
		return execution.State{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snapshot := rec.state.Clone()
	rec.mu.Unlock()
	if snapshot.IsTerminal() {
		s.terminal.Get(id)
	}
	return snapshot, nil
}

// Has reports whether a record exists for id.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// List returns copies of every record, oldest first.
func (s *Store) List() []execution.State {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]execution.State, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.removed {
			out = append(out, rec.state.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len reports the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Delete evicts id on operator request. Non-terminal executions are removed
// as well.
func (s *Store) Delete(id string) bool {
	return s.evict(id, ReasonOperator)
}

// Reap evicts terminal executions that finished more than the TTL ago and
// returns their IDs. Non-terminal executions are never reaped.
func (s *Store) Reap() []string {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-s.ttl)
	var expired []string
	for _, id := range s.terminal.Keys() {
		finished, ok := s.terminal.Peek(id)
		if ok && finished.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	reaped := expired[:0]
	for _, id := range expired {
		if s.evictIfTerminal(id, ReasonTTL) {
			reaped = append(reaped, id)
			continue
		}
		// Stale entry for a record that was reset or already removed.
		s.terminal.Remove(id)
	}
	return reaped
}

func (s *Store) trackTerminal(id string, terminal bool) {
	if !terminal {
		s.termMu.Lock()
		s.terminal.Remove(id)
		s.termMu.Unlock()
		return
	}

	s.termMu.Lock()
	var (
		oldest  string
		dropped bool
	)
	if !s.terminal.Contains(id) {
		if s.terminal.Len() >= s.maxTerminal {
			oldest, _, dropped = s.terminal.RemoveOldest()
		}
		s.terminal.Add(id, s.clock())
	}
	s.termMu.Unlock()

	if dropped {
		s.evictIfTerminal(oldest, ReasonCapacity)
	}
}

func (s *Store) evictIfTerminal(id, reason string) bool {
	rec := s.lock(id)
	if rec == nil {
		return false
	}
	terminal := rec.state.IsTerminal()
	rec.mu.Unlock()
	if !terminal {
		return false
	}
	return s.evict(id, reason)
}

func (s *Store) evict(id, reason string) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.removed = true
	rec.mu.Unlock()

	s.terminal.Remove(id)
	s.logger.Info("evicted execution %s (%s)", id, reason)
	if s.metrics != nil {
		s.metrics.ExecutionEvicted(reason)
	}
	for _, hook := range s.onEvict {
		hook(id, reason)
	}
	return true
}

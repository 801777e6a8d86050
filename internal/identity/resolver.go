// Package identity maps the unstable identifiers a framework reports (internal
// run IDs, API-issued IDs, object identities) onto one canonical execution ID.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"crewwatch/internal/execution"
	"crewwatch/internal/logging"
)

// ErrAliasConflict is returned when an alias is already bound to another
// canonical ID. Mappings are never overwritten.
var ErrAliasConflict = errors.New("identity: alias bound to a different execution")

// Hints carry what the caller knows about the identity being resolved.
type Hints struct {
	// Kind narrows heuristic pairing to pending executions of the same kind.
	Kind execution.Kind
	// Aliases are additional identities of the same execution, e.g. an
	// object identity. Known aliases resolve the raw ID; unknown ones are
	// recorded once the canonical ID is settled.
	Aliases []string
	// Bind allows the resolver to establish a new mapping for an unknown raw
	// ID: pair it with a pending execution or adopt it as its own canonical
	// ID. Only execution start events should bind.
	Bind bool
}

type entry struct {
	kind    execution.Kind
	aliases []string
}

// Resolver owns the bidirectional alias table.
type Resolver struct {
	mu        sync.Mutex
	aliases   map[string]string
	canonical map[string]*entry
	pairer    Pairer
	logger    logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPairer swaps the pending-pairing heuristic.
func WithPairer(p Pairer) Option {
	return func(r *Resolver) { r.pairer = p }
}

// WithLogger sets the resolver logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNop(logger) }
}

// NewResolver constructs an empty resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		aliases:   make(map[string]string),
		canonical: make(map[string]*entry),
		pairer:    NewFIFOPairer(),
		logger:    logging.NewComponentLogger("IdentityResolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track declares canonical as a known execution that is waiting for the
// framework to reveal its internal ID.
func (r *Resolver) Track(canonical string, kind execution.Kind) {
	if canonical == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.canonical[canonical]; ok {
		if e.kind == "" {
			e.kind = kind
		}
		if len(e.aliases) > 0 {
			return
		}
	} else {
		r.canonical[canonical] = &entry{kind: kind}
	}
	if r.pairer != nil {
		r.pairer.Add(canonical, kind)
	}
}

// Resolve returns the canonical ID for rawID. Lookup order: alias table,
// known canonical IDs, hint aliases, then (with Bind) heuristic pairing and
// finally the raw ID itself.
func (r *Resolver) Resolve(rawID string, hints Hints) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical, found := r.lookupLocked(rawID)
	if found && hints.Bind && r.pairer != nil {
		// A start event under a tracked ID settles it; it must not stay
		// available for pairing with an unrelated run.
		r.pairer.Remove(canonical)
	}
	if !found {
		for _, alias := range hints.Aliases {
			if c, ok := r.lookupLocked(alias); ok {
				canonical, found = c, true
				break
			}
		}
		if found && rawID != "" {
			r.bindLocked(canonical, rawID)
		}
	}

	if !found && hints.Bind && rawID != "" {
		if r.pairer != nil {
			if pending, ok := r.pairer.Next(hints.Kind); ok {
				r.logger.Info("paired internal id %s with pending execution %s", rawID, pending)
				r.bindLocked(pending, rawID)
				canonical, found = pending, true
			}
		}
		if !found {
			r.canonical[rawID] = &entry{kind: hints.Kind}
			canonical, found = rawID, true
		}
	}

	if !found {
		if rawID == "" {
			r.logger.Debug("identity miss: no id and no known alias")
		} else {
			r.logger.Debug("identity miss for %s, using raw id", rawID)
		}
		return rawID
	}

	for _, alias := range hints.Aliases {
		if alias == "" || alias == canonical {
			continue
		}
		if err := r.registerLocked(canonical, alias); err != nil {
			r.logger.Warn("skip alias %s for %s: %v", alias, canonical, err)
		}
	}
	return canonical
}

// Lookup returns the canonical ID for id without creating any mapping.
func (r *Resolver) Lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

func (r *Resolver) lookupLocked(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	if c, ok := r.aliases[id]; ok {
		return c, true
	}
	if _, ok := r.canonical[id]; ok {
		return id, true
	}
	return "", false
}

// RegisterAlias binds alias to canonical. Repeating the same registration is
// a no-op; binding an alias already owned by another execution fails with
// ErrAliasConflict.
func (r *Resolver) RegisterAlias(canonical, alias string) error {
	if canonical == "" || alias == "" {
		return fmt.Errorf("identity: canonical and alias are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.canonical[canonical]; !ok {
		r.canonical[canonical] = &entry{}
	}
	return r.registerLocked(canonical, alias)
}

func (r *Resolver) registerLocked(canonical, alias string) error {
	if alias == canonical {
		return nil
	}
	if owner, ok := r.aliases[alias]; ok {
		if owner == canonical {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s (requested %s)", ErrAliasConflict, alias, owner, canonical)
	}
	if _, ok := r.canonical[alias]; ok {
		return fmt.Errorf("%w: %s is itself a canonical id", ErrAliasConflict, alias)
	}
	r.bindLocked(canonical, alias)
	return nil
}

func (r *Resolver) bindLocked(canonical, alias string) {
	e, ok := r.canonical[canonical]
	if !ok {
		e = &entry{}
		r.canonical[canonical] = e
	}
	r.aliases[alias] = canonical
	e.aliases = append(e.aliases, alias)
	if r.pairer != nil {
		r.pairer.Remove(canonical)
	}
}

// Aliases lists the aliases bound to canonical, sorted.
func (r *Resolver) Aliases(canonical string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.canonical[canonical]
	if !ok {
		return nil
	}
	out := append([]string(nil), e.aliases...)
	sort.Strings(out)
	return out
}

// Pending reports how many executions still wait for pairing.
func (r *Resolver) Pending() int {
	if r.pairer == nil {
		return 0
	}
	return r.pairer.Len()
}

// Forget drops canonical and every alias bound to it.
func (r *Resolver) Forget(canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.canonical[canonical]
	if !ok {
		return
	}
	for _, alias := range e.aliases {
		if r.aliases[alias] == canonical {
			delete(r.aliases, alias)
		}
	}
	delete(r.canonical, canonical)
	if r.pairer != nil {
		r.pairer.Remove(canonical)
	}
}

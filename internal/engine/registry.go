package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
)

// Mutator applies one named mutation to a dataset. It must be deterministic:
// identifiers and timestamps come from args, never from clocks or randomness.
// Returning a *RejectionError consumes the mutation without writing anything.
type Mutator func(ctx context.Context, tx Tx, args json.RawMessage) error

// Registry maps (kind, mutation name) to a Mutator. It is filled at start-up
// and frozen before serving; lookups after Freeze need no locking.
type Registry struct {
	frozen   atomic.Bool
	handlers map[Kind]map[string]Mutator
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]map[string]Mutator)}
}

// Register panics on duplicates or after Freeze: both are programming errors.
func (r *Registry) Register(kind Kind, name string, fn Mutator) {
	if r.frozen.Load() {
		panic(fmt.Sprintf("engine: register %s/%s after freeze", kind, name))
	}
	if fn == nil {
		panic(fmt.Sprintf("engine: nil mutator for %s/%s", kind, name))
	}
	byName, ok := r.handlers[kind]
	if !ok {
		byName = make(map[string]Mutator)
		r.handlers[kind] = byName
	}
	if _, dup := byName[name]; dup {
		panic(fmt.Sprintf("engine: duplicate mutator %s/%s", kind, name))
	}
	byName[name] = fn
}

// RegisterAll registers a dispatch table for one kind.
func (r *Registry) RegisterAll(kind Kind, table map[string]Mutator) {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.Register(kind, name, table[name])
	}
}

func (r *Registry) Freeze() { r.frozen.Store(true) }

func (r *Registry) Lookup(kind Kind, name string) (Mutator, error) {
	fn, ok := r.handlers[kind][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownMutation, kind, name)
	}
	return fn, nil
}

// HasKind reports whether any mutator is registered for kind. Only registered
// kinds are routable.
func (r *Registry) HasKind(kind Kind) bool {
	_, ok := r.handlers[kind]
	return ok
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

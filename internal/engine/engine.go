package engine

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// Locker serializes pushes of one client across service instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Notifier is told after a push moved a dataset forward.
type Notifier interface {
	Poke(ctx context.Context, ds DatasetID, v Version)
}

type Engine struct {
	store    Store
	registry *Registry
	tracker  Tracker
	locker   Locker
	notifier Notifier
	timeout  time.Duration
	diffs    singleflight.Group
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithTimeout bounds every store interaction of a push or pull.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

// New freezes the registry: mutators cannot be added once the engine serves.
func New(store Store, registry *Registry, opts ...Option) *Engine {
	registry.Freeze()
	e := &Engine{
		store:    store,
		registry: registry,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// route resolves a client group to its dataset.
func (e *Engine) route(subject, clientGroupID string) (GroupKey, DatasetID, error) {
	group, err := ParseGroupKey(clientGroupID)
	if err != nil {
		return GroupKey{}, DatasetID{}, err
	}
	if !e.registry.HasKind(group.Kind) {
		return GroupKey{}, DatasetID{}, &unknownGroupError{clientGroupID: clientGroupID}
	}
	return group, DatasetID{Subject: subject, Kind: group.Kind}, nil
}

type unknownGroupError struct{ clientGroupID string }

func (e *unknownGroupError) Error() string { return "unknown client group " + e.clientGroupID }

func (e *unknownGroupError) Is(target error) bool { return target == ErrUnknownGroup }

// lockClients takes the per-client locks of a batch in a stable order.
func (e *Engine) lockClients(ctx context.Context, subject, clientGroupID string, clientIDs []string) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	sort.Strings(clientIDs)
	unlocks := make([]func(), 0, len(clientIDs))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range clientIDs {
		unlock, err := e.locker.Lock(ctx, subject+"/"+clientGroupID+"/"+id)
		if err != nil {
			release()
			return nil, classify(err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

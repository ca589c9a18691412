package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"lifelog/api/internal/engine"
)

// MemoryStore keeps datasets in process memory. It satisfies the same
// contract as PostgresStore and backs tests and single-instance dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	datasets map[engine.DatasetID]*memDataset
}

type memDataset struct {
	mu       sync.RWMutex
	version  engine.Version
	horizon  engine.Version
	entities map[string]engine.Entity
	// cursors is keyed by client group, then client id.
	cursors map[string]map[string]engine.Cursor
}

var (
	_ engine.Store    = (*MemoryStore)(nil)
	_ engine.Datasets = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{datasets: make(map[engine.DatasetID]*memDataset)}
}

func newMemDataset() *memDataset {
	return &memDataset{
		entities: make(map[string]engine.Entity),
		cursors:  make(map[string]map[string]engine.Cursor),
	}
}

func (s *MemoryStore) dataset(ds engine.DatasetID) *memDataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[ds]
	if !ok {
		d = newMemDataset()
		s.datasets[ds] = d
	}
	return d
}

// View reads a dataset that was never written as empty, without creating it.
func (s *MemoryStore) View(ctx context.Context, ds engine.DatasetID, fn func(engine.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	d, ok := s.datasets[ds]
	s.mu.Unlock()
	if !ok {
		d = newMemDataset()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(&memTx{d: d})
}

func (s *MemoryStore) Update(ctx context.Context, ds engine.DatasetID, fn func(engine.WriteTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := s.dataset(ds)
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &memTx{
		d:        d,
		writable: true,
		version:  d.version,
		entities: make(map[string]engine.Entity),
		cursors:  make(map[string]map[string]engine.Cursor),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Compact(ctx context.Context, ds engine.DatasetID, horizon engine.Version) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := s.dataset(ds)
	d.mu.Lock()
	defer d.mu.Unlock()
	if horizon <= d.horizon {
		return 0, nil
	}
	removed := 0
	for key, e := range d.entities {
		if e.Deleted && e.Version <= horizon {
			delete(d.entities, key)
			removed++
		}
	}
	d.horizon = horizon
	return removed, nil
}

func (s *MemoryStore) Datasets(context.Context) ([]engine.DatasetID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.DatasetID, 0, len(s.datasets))
	for ds := range s.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// memTx reads through pending writes to the committed dataset. Pending
// writes are only published by commit.
type memTx struct {
	d        *memDataset
	writable bool
	version  engine.Version
	entities map[string]engine.Entity
	cursors  map[string]map[string]engine.Cursor
}

func (t *memTx) Version() engine.Version {
	if t.writable {
		return t.version
	}
	return t.d.version
}

func (t *memTx) Horizon() engine.Version { return t.d.horizon }

func (t *memTx) lookup(key string) (engine.Entity, bool) {
	if e, ok := t.entities[key]; ok {
		return e, true
	}
	e, ok := t.d.entities[key]
	return e, ok
}

func (t *memTx) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	e, ok := t.lookup(key)
	if !ok || e.Deleted {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (t *memTx) merged() map[string]engine.Entity {
	all := make(map[string]engine.Entity, len(t.d.entities)+len(t.entities))
	for k, e := range t.d.entities {
		all[k] = e
	}
	for k, e := range t.entities {
		all[k] = e
	}
	return all
}

func (t *memTx) Scan(_ context.Context, prefix string) ([]engine.Entity, error) {
	var out []engine.Entity
	for key, e := range t.merged() {
		if e.Deleted || !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, e)
	}
	sortEntities(out)
	return out, nil
}

func (t *memTx) Changes(_ context.Context, since engine.Version) ([]engine.Entity, error) {
	var out []engine.Entity
	for _, e := range t.merged() {
		if e.Version > since {
			out = append(out, e)
		}
	}
	sortEntities(out)
	return out, nil
}

func (t *memTx) Cursor(_ context.Context, clientGroupID, clientID string) (int64, error) {
	if c, ok := t.cursors[clientGroupID][clientID]; ok {
		return c.LastMutationID, nil
	}
	return t.d.cursors[clientGroupID][clientID].LastMutationID, nil
}

func (t *memTx) Cursors(_ context.Context, clientGroupID string, since engine.Version) ([]engine.Cursor, error) {
	byClient := make(map[string]engine.Cursor)
	for id, c := range t.d.cursors[clientGroupID] {
		byClient[id] = c
	}
	for id, c := range t.cursors[clientGroupID] {
		byClient[id] = c
	}
	var out []engine.Cursor
	for _, c := range byClient {
		if c.Version > since {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (t *memTx) Put(_ context.Context, key string, value json.RawMessage, at engine.Version) error {
	t.entities[key] = engine.Entity{Key: key, Value: append(json.RawMessage(nil), value...), Version: at}
	return nil
}

func (t *memTx) Delete(_ context.Context, key string, at engine.Version) error {
	t.entities[key] = engine.Entity{Key: key, Version: at, Deleted: true}
	return nil
}

func (t *memTx) SetVersion(_ context.Context, v engine.Version) error {
	if v < t.version {
		return fmt.Errorf("dataset version cannot decrease (%d -> %d)", t.version, v)
	}
	t.version = v
	return nil
}

func (t *memTx) SetCursor(_ context.Context, clientGroupID string, c engine.Cursor) error {
	group, ok := t.cursors[clientGroupID]
	if !ok {
		group = make(map[string]engine.Cursor)
		t.cursors[clientGroupID] = group
	}
	group[c.ClientID] = c
	return nil
}

func (t *memTx) commit() {
	for key, e := range t.entities {
		t.d.entities[key] = e
	}
	for groupID, clients := range t.cursors {
		group, ok := t.d.cursors[groupID]
		if !ok {
			group = make(map[string]engine.Cursor)
			t.d.cursors[groupID] = group
		}
		for id, c := range clients {
			group[id] = c
		}
	}
	t.d.version = t.version
}

func sortEntities(entities []engine.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].Key < entities[j].Key })
}

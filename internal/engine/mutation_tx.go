package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

// mutationTx buffers the writes of a single mutation so that a rejected
// mutation leaves no trace in the dataset.
type mutationTx struct {
	base     WriteTx
	clientID string
	// writes maps key to the new value; a nil value is a delete.
	writes map[string]json.RawMessage
	// storeErr remembers a failure of the underlying store, which must abort
	// the batch even if the mutator swallowed it.
	storeErr error
}

var _ Tx = (*mutationTx)(nil)

func newMutationTx(base WriteTx, clientID string) *mutationTx {
	return &mutationTx{base: base, clientID: clientID, writes: make(map[string]json.RawMessage)}
}

func (t *mutationTx) ClientID() string { return t.clientID }

func (t *mutationTx) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if value, ok := t.writes[key]; ok {
		return value, value != nil, nil
	}
	value, ok, err := t.base.Get(ctx, key)
	if err != nil {
		t.storeErr = err
	}
	return value, ok, err
}

func (t *mutationTx) Scan(ctx context.Context, prefix string) ([]Entity, error) {
	stored, err := t.base.Scan(ctx, prefix)
	if err != nil {
		t.storeErr = err
		return nil, err
	}
	merged := make(map[string]Entity, len(stored))
	for _, e := range stored {
		merged[e.Key] = e
	}
	for key, value := range t.writes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = Entity{Key: key, Value: value}
	}
	out := make([]Entity, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (t *mutationTx) Put(_ context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return Reject("empty key")
	}
	if !json.Valid(value) {
		return Reject("value for %s is not valid JSON", key)
	}
	t.writes[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (t *mutationTx) Delete(_ context.Context, key string) error {
	t.writes[key] = nil
	return nil
}

// commit flushes the buffered writes, in key order, stamped with at.
func (t *mutationTx) commit(ctx context.Context, at Version) error {
	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := t.writes[key]
		var err error
		if value == nil {
			err = t.base.Delete(ctx, key, at)
		} else {
			err = t.base.Put(ctx, key, value, at)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Package mutators holds the server-side handlers of every productivity
// domain. Handlers are deterministic: ids and timestamps come from the
// mutation args, never from the server clock.
package mutators

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"lifelog/api/internal/engine"
)

const (
	KindTasks    engine.Kind = "tasks"
	KindShopping engine.Kind = "shopping"
	KindDiary    engine.Kind = "diary"
	KindFood     engine.Kind = "food"
	KindIdeas    engine.Kind = "ideas"
)

// Register installs the dispatch table of every kind.
func Register(reg *engine.Registry) {
	reg.RegisterAll(KindTasks, taskMutators())
	reg.RegisterAll(KindShopping, shoppingMutators())
	reg.RegisterAll(KindDiary, diaryMutators())
	reg.RegisterAll(KindFood, foodMutators())
	reg.RegisterAll(KindIdeas, ideaMutators())
}

func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	Register(reg)
	return reg
}

// idArgs is the payload of every delete-style mutation.
type idArgs struct {
	ID string `json:"id"`
}

func decode(args json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(args))
	if err := dec.Decode(v); err != nil {
		return engine.Reject("invalid args: %v", err)
	}
	return nil
}

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return engine.Reject("%s is required", field)
	}
	return nil
}

func key(prefix, id string) string { return prefix + "/" + id }

func load(ctx context.Context, tx engine.Tx, k string, v any) (bool, error) {
	raw, ok, err := tx.Get(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, engine.Reject("stored %s is not readable: %v", k, err)
	}
	return true, nil
}

// mustLoad rejects the mutation when the entity is missing.
func mustLoad(ctx context.Context, tx engine.Tx, k string, v any) error {
	ok, err := load(ctx, tx, k, v)
	if err != nil {
		return err
	}
	if !ok {
		return engine.Reject("%s not found", k)
	}
	return nil
}

func mustNotExist(ctx context.Context, tx engine.Tx, k string) error {
	_, ok, err := tx.Get(ctx, k)
	if err != nil {
		return err
	}
	if ok {
		return engine.Reject("%s already exists", k)
	}
	return nil
}

func save(ctx context.Context, tx engine.Tx, k string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Put(ctx, k, raw)
}

func remove(prefix string) engine.Mutator {
	return func(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
		var a idArgs
		if err := decode(args, &a); err != nil {
			return err
		}
		if err := requireText("id", a.ID); err != nil {
			return err
		}
		return tx.Delete(ctx, key(prefix, a.ID))
	}
}

// removeWhere deletes every entity under prefix for which match is true.
func removeWhere[T any](prefix string, match func(T) bool) engine.Mutator {
	return func(ctx context.Context, tx engine.Tx, _ json.RawMessage) error {
		entities, err := tx.Scan(ctx, prefix+"/")
		if err != nil {
			return err
		}
		for _, e := range entities {
			var v T
			if err := json.Unmarshal(e.Value, &v); err != nil {
				continue
			}
			if match(v) {
				if err := tx.Delete(ctx, e.Key); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

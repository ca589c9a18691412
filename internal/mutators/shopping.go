package mutators

import (
	"context"
	"encoding/json"

	"lifelog/api/internal/engine"
)

const itemPrefix = "item"

type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Checked  bool   `json:"checked"`
	Position int    `json:"position"`
}

type itemPatch struct {
	ID       string  `json:"id"`
	Name     *string `json:"name"`
	Quantity *string `json:"quantity"`
	Checked  *bool   `json:"checked"`
	Position *int    `json:"position"`
}

func shoppingMutators() map[string]engine.Mutator {
	return map[string]engine.Mutator{
		"createItem":   createItem,
		"updateItem":   updateItem,
		"toggleItem":   toggleItem,
		"deleteItem":   remove(itemPrefix),
		"clearChecked": removeWhere(itemPrefix, func(i Item) bool { return i.Checked }),
	}
}

func createItem(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var it Item
	if err := decode(args, &it); err != nil {
		return err
	}
	if err := requireText("id", it.ID); err != nil {
		return err
	}
	if err := requireText("name", it.Name); err != nil {
		return err
	}
	k := key(itemPrefix, it.ID)
	if err := mustNotExist(ctx, tx, k); err != nil {
		return err
	}
	return save(ctx, tx, k, it)
}

func updateItem(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p itemPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(itemPrefix, p.ID)
	var it Item
	if err := mustLoad(ctx, tx, k, &it); err != nil {
		return err
	}
	if p.Name != nil {
		if err := requireText("name", *p.Name); err != nil {
			return err
		}
		it.Name = *p.Name
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Checked != nil {
		it.Checked = *p.Checked
	}
	if p.Position != nil {
		it.Position = *p.Position
	}
	return save(ctx, tx, k, it)
}

func toggleItem(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p itemPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(itemPrefix, p.ID)
	var it Item
	if err := mustLoad(ctx, tx, k, &it); err != nil {
		return err
	}
	if p.Checked != nil {
		it.Checked = *p.Checked
	} else {
		it.Checked = !it.Checked
	}
	return save(ctx, tx, k, it)
}

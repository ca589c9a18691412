package mutators

import (
	"context"
	"encoding/json"

	"lifelog/api/internal/engine"
)

const foodPrefix = "food"

var meals = map[string]bool{"breakfast": true, "lunch": true, "dinner": true, "snack": true}

type FoodLog struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Name     string `json:"name"`
	Meal     string `json:"meal,omitempty"`
	Calories int    `json:"calories"`
}

type foodPatch struct {
	ID       string  `json:"id"`
	Date     *string `json:"date"`
	Name     *string `json:"name"`
	Meal     *string `json:"meal"`
	Calories *int    `json:"calories"`
}

func foodMutators() map[string]engine.Mutator {
	return map[string]engine.Mutator{
		"logFood":    logFood,
		"updateFood": updateFood,
		"deleteFood": remove(foodPrefix),
	}
}

func (f FoodLog) validate() error {
	if err := requireText("name", f.Name); err != nil {
		return err
	}
	if err := validDate(f.Date); err != nil {
		return err
	}
	if f.Meal != "" && !meals[f.Meal] {
		return engine.Reject("unknown meal %q", f.Meal)
	}
	if f.Calories < 0 {
		return engine.Reject("calories cannot be negative")
	}
	return nil
}

func logFood(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var f FoodLog
	if err := decode(args, &f); err != nil {
		return err
	}
	if err := requireText("id", f.ID); err != nil {
		return err
	}
	if err := f.validate(); err != nil {
		return err
	}
	k := key(foodPrefix, f.ID)
	if err := mustNotExist(ctx, tx, k); err != nil {
		return err
	}
	return save(ctx, tx, k, f)
}

func updateFood(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p foodPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(foodPrefix, p.ID)
	var f FoodLog
	if err := mustLoad(ctx, tx, k, &f); err != nil {
		return err
	}
	if p.Date != nil {
		f.Date = *p.Date
	}
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.Meal != nil {
		f.Meal = *p.Meal
	}
	if p.Calories != nil {
		f.Calories = *p.Calories
	}
	if err := f.validate(); err != nil {
		return err
	}
	return save(ctx, tx, k, f)
}

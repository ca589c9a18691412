package mutators

import (
	"context"
	"encoding/json"

	"lifelog/api/internal/engine"
)

const taskPrefix = "task"

type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	Checked   bool   `json:"checked"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

type taskPatch struct {
	ID        string  `json:"id"`
	Title     *string `json:"title"`
	Notes     *string `json:"notes"`
	Checked   *bool   `json:"checked"`
	UpdatedAt int64   `json:"updatedAt"`
}

func taskMutators() map[string]engine.Mutator {
	return map[string]engine.Mutator{
		"createTask":     createTask,
		"updateTask":     updateTask,
		"toggleTask":     toggleTask,
		"deleteTask":     remove(taskPrefix),
		"clearCompleted": removeWhere(taskPrefix, func(t Task) bool { return t.Checked }),
	}
}

func createTask(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var t Task
	if err := decode(args, &t); err != nil {
		return err
	}
	if err := requireText("id", t.ID); err != nil {
		return err
	}
	if err := requireText("title", t.Title); err != nil {
		return err
	}
	k := key(taskPrefix, t.ID)
	if err := mustNotExist(ctx, tx, k); err != nil {
		return err
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = t.CreatedAt
	}
	return save(ctx, tx, k, t)
}

func updateTask(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p taskPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(taskPrefix, p.ID)
	var t Task
	if err := mustLoad(ctx, tx, k, &t); err != nil {
		return err
	}
	if p.Title != nil {
		if err := requireText("title", *p.Title); err != nil {
			return err
		}
		t.Title = *p.Title
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Checked != nil {
		t.Checked = *p.Checked
	}
	if p.UpdatedAt != 0 {
		t.UpdatedAt = p.UpdatedAt
	}
	return save(ctx, tx, k, t)
}

// toggleTask sets checked when given, otherwise flips it.
func toggleTask(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p taskPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(taskPrefix, p.ID)
	var t Task
	if err := mustLoad(ctx, tx, k, &t); err != nil {
		return err
	}
	if p.Checked != nil {
		t.Checked = *p.Checked
	} else {
		t.Checked = !t.Checked
	}
	if p.UpdatedAt != 0 {
		t.UpdatedAt = p.UpdatedAt
	}
	return save(ctx, tx, k, t)
}

package mutators

import (
	"context"
	"encoding/json"
	"time"

	"lifelog/api/internal/engine"
)

const entryPrefix = "entry"

type Entry struct {
	ID        string   `json:"id"`
	Date      string   `json:"date"`
	Text      string   `json:"text"`
	Mood      string   `json:"mood,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

type entryPatch struct {
	ID        string    `json:"id"`
	Date      *string   `json:"date"`
	Text      *string   `json:"text"`
	Mood      *string   `json:"mood"`
	Tags      *[]string `json:"tags"`
	UpdatedAt int64     `json:"updatedAt"`
}

func diaryMutators() map[string]engine.Mutator {
	return map[string]engine.Mutator{
		"createEntry": createEntry,
		"updateEntry": updateEntry,
		"deleteEntry": remove(entryPrefix),
	}
}

// validDate accepts calendar dates only (YYYY-MM-DD).
func validDate(date string) error {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return engine.Reject("date %q is not YYYY-MM-DD", date)
	}
	return nil
}

func createEntry(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var e Entry
	if err := decode(args, &e); err != nil {
		return err
	}
	if err := requireText("id", e.ID); err != nil {
		return err
	}
	if err := validDate(e.Date); err != nil {
		return err
	}
	if err := requireText("text", e.Text); err != nil {
		return err
	}
	k := key(entryPrefix, e.ID)
	if err := mustNotExist(ctx, tx, k); err != nil {
		return err
	}
	return save(ctx, tx, k, e)
}

func updateEntry(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p entryPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(entryPrefix, p.ID)
	var e Entry
	if err := mustLoad(ctx, tx, k, &e); err != nil {
		return err
	}
	if p.Date != nil {
		if err := validDate(*p.Date); err != nil {
			return err
		}
		e.Date = *p.Date
	}
	if p.Text != nil {
		if err := requireText("text", *p.Text); err != nil {
			return err
		}
		e.Text = *p.Text
	}
	if p.Mood != nil {
		e.Mood = *p.Mood
	}
	if p.Tags != nil {
		e.Tags = *p.Tags
	}
	if p.UpdatedAt != 0 {
		e.UpdatedAt = p.UpdatedAt
	}
	return save(ctx, tx, k, e)
}

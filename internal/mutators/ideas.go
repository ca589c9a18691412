package mutators

import (
	"context"
	"encoding/json"
	"slices"

	"lifelog/api/internal/engine"
)

const ideaPrefix = "idea"

type Idea struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Voters []string `json:"voters,omitempty"`
	Votes  int      `json:"votes"`
}

type ideaPatch struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
	Body  *string `json:"body"`
}

type voteArgs struct {
	ID string `json:"id"`
	Up *bool  `json:"up"`
}

func ideaMutators() map[string]engine.Mutator {
	return map[string]engine.Mutator{
		"createIdea": createIdea,
		"updateIdea": updateIdea,
		"voteIdea":   voteIdea,
		"deleteIdea": remove(ideaPrefix),
	}
}

func createIdea(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var i Idea
	if err := decode(args, &i); err != nil {
		return err
	}
	if err := requireText("id", i.ID); err != nil {
		return err
	}
	if err := requireText("title", i.Title); err != nil {
		return err
	}
	k := key(ideaPrefix, i.ID)
	if err := mustNotExist(ctx, tx, k); err != nil {
		return err
	}
	i.Voters, i.Votes = nil, 0
	return save(ctx, tx, k, i)
}

func updateIdea(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var p ideaPatch
	if err := decode(args, &p); err != nil {
		return err
	}
	if err := requireText("id", p.ID); err != nil {
		return err
	}
	k := key(ideaPrefix, p.ID)
	var i Idea
	if err := mustLoad(ctx, tx, k, &i); err != nil {
		return err
	}
	if p.Title != nil {
		if err := requireText("title", *p.Title); err != nil {
			return err
		}
		i.Title = *p.Title
	}
	if p.Body != nil {
		i.Body = *p.Body
	}
	return save(ctx, tx, k, i)
}

// voteIdea records one vote per client; up=false withdraws it. Repeated
// votes from the same client are no-ops.
func voteIdea(ctx context.Context, tx engine.Tx, args json.RawMessage) error {
	var a voteArgs
	if err := decode(args, &a); err != nil {
		return err
	}
	if err := requireText("id", a.ID); err != nil {
		return err
	}
	k := key(ideaPrefix, a.ID)
	var i Idea
	if err := mustLoad(ctx, tx, k, &i); err != nil {
		return err
	}
	voter := tx.ClientID()
	up := a.Up == nil || *a.Up
	idx := slices.Index(i.Voters, voter)
	switch {
	case up && idx < 0:
		i.Voters = append(i.Voters, voter)
		slices.Sort(i.Voters)
	case !up && idx >= 0:
		i.Voters = slices.Delete(i.Voters, idx, idx+1)
	default:
		return nil
	}
	i.Votes = len(i.Voters)
	return save(ctx, tx, k, i)
}

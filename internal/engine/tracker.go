package engine

import (
	"context"
	"fmt"
)

// Tracker enforces the cursor rules. Linearization comes from the enclosing
// WriteTx, which is exclusive per dataset.
type Tracker struct{}

// Cursor returns the last applied mutation id of a client, 0 if unseen.
func (Tracker) Cursor(ctx context.Context, tx ReadTx, clientGroupID, clientID string) (int64, error) {
	last, err := tx.Cursor(ctx, clientGroupID, clientID)
	if err != nil {
		return 0, fmt.Errorf("read cursor %s/%s: %w", clientGroupID, clientID, err)
	}
	return last, nil
}

// Advance moves a cursor by exactly one.
func (t Tracker) Advance(ctx context.Context, tx WriteTx, clientGroupID, clientID string, id int64, at Version) error {
	last, err := t.Cursor(ctx, tx, clientGroupID, clientID)
	if err != nil {
		return err
	}
	if id != last+1 {
		return &OutOfOrderError{ClientID: clientID, Expected: last + 1, Got: id}
	}
	if err := tx.SetCursor(ctx, clientGroupID, Cursor{ClientID: clientID, LastMutationID: id, Version: at}); err != nil {
		return fmt.Errorf("advance cursor %s/%s: %w", clientGroupID, clientID, err)
	}
	return nil
}

// plannedMutation is a mutation that passed the duplicate and gap checks.
type plannedMutation struct {
	Mutation
	clientID string
}

type pushPlan struct {
	apply   []plannedMutation
	skipped int
	// last is the cursor of every client in the batch once the plan is applied.
	last map[string]int64
}

// Plan checks a whole batch before anything is applied: ids at or below the
// cursor are duplicates, an id beyond cursor+1 is a gap and fails the batch.
func (t Tracker) Plan(ctx context.Context, tx ReadTx, clientGroupID, defaultClientID string, batch []Mutation) (pushPlan, error) {
	plan := pushPlan{last: make(map[string]int64)}
	for _, m := range batch {
		clientID := m.ClientID
		if clientID == "" {
			clientID = defaultClientID
		}
		last, seen := plan.last[clientID]
		if !seen {
			var err error
			if last, err = t.Cursor(ctx, tx, clientGroupID, clientID); err != nil {
				return pushPlan{}, err
			}
			plan.last[clientID] = last
		}
		switch {
		case m.ID <= last:
			plan.skipped++
		case m.ID == last+1:
			plan.apply = append(plan.apply, plannedMutation{Mutation: m, clientID: clientID})
			plan.last[clientID] = m.ID
		default:
			return pushPlan{}, &OutOfOrderError{ClientID: clientID, Expected: last + 1, Got: m.ID}
		}
	}
	return plan, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lifelog/api/internal/logger"
	"lifelog/api/internal/metrics"
)

type PullRequest struct {
	Subject       string
	ClientGroupID string
	ClientID      string
	Cookie        Cookie
}

type PullResponse struct {
	LastMutationID int64 `json:"lastMutationID"`
	// LastMutationIDChanges covers every client of the group whose cursor
	// moved since the request cookie.
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Cookie                Cookie           `json:"cookie"`
	Patch                 []PatchOp        `json:"patch"`
}

// Pull returns the patch that brings a client from its cookie to the
// current dataset version. Unknown groups get an empty patch; stale or
// unrecognized cookies get a full snapshot.
func (e *Engine) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return PullResponse{}, fmt.Errorf("%w: missing subject", ErrInvalidRequest)
	}
	group, ds, err := e.route(req.Subject, req.ClientGroupID)
	if errors.Is(err, ErrUnknownGroup) {
		return PullResponse{Patch: []PatchOp{}, LastMutationIDChanges: map[string]int64{}}, nil
	}
	if err != nil {
		return PullResponse{}, err
	}

	clientGroup := group.String()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var (
		resp     PullResponse
		snapshot bool
	)
	err = e.store.View(ctx, ds, func(tx ReadTx) error {
		current := tx.Version()
		snapshot = needsSnapshot(req.Cookie, current, tx.Horizon())

		since := req.Cookie.Version
		if snapshot {
			since = 0
		}
		patch, err := e.patch(ctx, tx, ds, since, current, snapshot)
		if err != nil {
			return err
		}

		cursors, err := tx.Cursors(ctx, clientGroup, since)
		if err != nil {
			return fmt.Errorf("list cursors: %w", err)
		}
		changes := make(map[string]int64, len(cursors))
		for _, c := range cursors {
			changes[c.ClientID] = c.LastMutationID
		}
		last, err := e.tracker.Cursor(ctx, tx, clientGroup, req.ClientID)
		if err != nil {
			return err
		}

		resp = PullResponse{
			LastMutationID:        last,
			LastMutationIDChanges: changes,
			Cookie:                CookieAt(current),
			Patch:                 patch,
		}
		return nil
	})
	if err != nil {
		err = classify(err)
		logger.From(ctx).Warn("pull failed",
			logger.Subject(req.Subject), logger.ClientGroup(clientGroup), logger.Err(err))
		return PullResponse{}, err
	}

	kind := string(group.Kind)
	metrics.PullPatchOps.WithLabelValues(kind).Observe(float64(len(resp.Patch)))
	if snapshot {
		metrics.PullSnapshots.WithLabelValues(kind).Inc()
	}
	return resp, nil
}

// needsSnapshot: a zero, null, future or pre-horizon cookie cannot be diffed.
func needsSnapshot(c Cookie, current, horizon Version) bool {
	return !c.Valid || c.Version == 0 || c.Version > current || c.Version < horizon
}

// patch computes the operations between since and current. Identical
// concurrent requests share one computation: equal versions of a dataset
// denote equal states, so the result is the same for every caller.
func (e *Engine) patch(ctx context.Context, tx ReadTx, ds DatasetID, since, current Version, snapshot bool) ([]PatchOp, error) {
	key := fmt.Sprintf("%s|%s|%d|%d|%t", ds.Subject, ds.Kind, since, current, snapshot)
	v, err, _ := e.diffs.Do(key, func() (any, error) {
		if snapshot {
			live, err := tx.Scan(ctx, "")
			if err != nil {
				return nil, fmt.Errorf("scan snapshot: %w", err)
			}
			return toPatch(live), nil
		}
		changed, err := tx.Changes(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("list changes since %d: %w", since, err)
		}
		return toPatch(changed), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PatchOp), nil
}

// toPatch expects entities sorted by key with one row per key.
func toPatch(entities []Entity) []PatchOp {
	ops := make([]PatchOp, 0, len(entities))
	for _, e := range entities {
		if e.Deleted {
			ops = append(ops, PatchOp{Op: OpDel, Key: e.Key})
			continue
		}
		ops = append(ops, PatchOp{Op: OpPut, Key: e.Key, Value: e.Value})
	}
	return ops
}

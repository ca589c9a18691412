package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lifelog/api/internal/logger"
	"lifelog/api/internal/metrics"
)

type PushRequest struct {
	Subject       string
	ClientGroupID string
	ClientID      string
	Mutations     []Mutation
	// Cookie is the client's base cookie; informational only.
	Cookie Cookie
}

type PushResponse struct {
	LastMutationID int64  `json:"lastMutationID"`
	Cookie         Cookie `json:"cookie"`
}

func (r PushRequest) validate() error {
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing clientID", ErrInvalidRequest)
	}
	for i, m := range r.Mutations {
		if m.ID < 1 {
			return fmt.Errorf("%w: mutation %d has id %d", ErrInvalidRequest, i, m.ID)
		}
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: mutation %d has no name", ErrInvalidRequest, m.ID)
		}
	}
	return nil
}

// Push applies a batch exactly once, in order. Already applied ids are
// skipped, a gap fails the whole batch, unknown or rejected mutations are
// consumed without writes. Any store failure rolls the batch back.
func (e *Engine) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	if err := req.validate(); err != nil {
		return PushResponse{}, err
	}
	group, ds, err := e.route(req.Subject, req.ClientGroupID)
	if err != nil {
		metrics.PushBatches.WithLabelValues("unknown", "rejected").Inc()
		return PushResponse{}, err
	}
	kind := string(group.Kind)
	// Cursors are keyed by the normalized group so that spelling variants
	// of one group cannot replay its mutations.
	clientGroup := group.String()
	log := logger.From(ctx).With(logger.Subject(req.Subject), logger.ClientGroup(clientGroup), logger.ClientID(req.ClientID))

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	unlock, err := e.lockClients(ctx, req.Subject, clientGroup, batchClients(req))
	if err != nil {
		metrics.PushBatches.WithLabelValues(kind, "failed").Inc()
		return PushResponse{}, err
	}
	defer unlock()

	var (
		resp     PushResponse
		outcomes []string
		advanced bool
	)
	err = e.store.Update(ctx, ds, func(tx WriteTx) error {
		outcomes = outcomes[:0]
		plan, err := e.tracker.Plan(ctx, tx, clientGroup, req.ClientID, req.Mutations)
		if err != nil {
			return err
		}

		start := tx.Version()
		version := start
		for _, m := range plan.apply {
			version++
			outcome, err := e.apply(ctx, tx, group.Kind, m, version)
			if err != nil {
				return err
			}
			if err := e.tracker.Advance(ctx, tx, clientGroup, m.clientID, m.ID, version); err != nil {
				return err
			}
			outcomes = append(outcomes, outcome)
		}
		if version != start {
			if err := tx.SetVersion(ctx, version); err != nil {
				return fmt.Errorf("set version: %w", err)
			}
		}

		last, ok := plan.last[req.ClientID]
		if !ok {
			if last, err = e.tracker.Cursor(ctx, tx, clientGroup, req.ClientID); err != nil {
				return err
			}
		}
		resp = PushResponse{LastMutationID: last, Cookie: CookieAt(version)}
		advanced = version != start
		for i := 0; i < plan.skipped; i++ {
			outcomes = append(outcomes, metrics.OutcomeSkipped)
		}
		return nil
	})
	if err != nil {
		err = classify(err)
		metrics.PushBatches.WithLabelValues(kind, "failed").Inc()
		if errors.Is(err, ErrOutOfOrderMutation) {
			log.Info("push rejected: mutation gap", logger.Err(err))
		} else {
			log.Warn("push failed", logger.Err(err))
		}
		return PushResponse{}, err
	}

	metrics.PushBatches.WithLabelValues(kind, "ok").Inc()
	for _, outcome := range outcomes {
		metrics.Mutations.WithLabelValues(kind, outcome).Inc()
	}
	if advanced && e.notifier != nil {
		e.notifier.Poke(context.WithoutCancel(ctx), ds, resp.Cookie.Version)
	}
	log.Debug("push applied",
		logger.MutationID(resp.LastMutationID),
		logger.Version(uint64(resp.Cookie.Version)),
		logger.Count(len(req.Mutations)),
	)
	return resp, nil
}

// apply runs one planned mutation. The returned error is only ever a store
// failure; unknown and rejected mutations are outcomes.
func (e *Engine) apply(ctx context.Context, tx WriteTx, kind Kind, m plannedMutation, at Version) (string, error) {
	log := logger.From(ctx).With(logger.ClientID(m.clientID), logger.MutationID(m.ID), logger.Mutation(m.Name), logger.ClientTime(m.Time()))

	fn, err := e.registry.Lookup(kind, m.Name)
	if err != nil {
		log.Warn("mutation consumed: unknown", logger.Err(err))
		return metrics.OutcomeUnknown, nil
	}

	mtx := newMutationTx(tx, m.clientID)
	err = runMutator(ctx, fn, mtx, m.Args)
	if mtx.storeErr != nil {
		return "", mtx.storeErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		log.Info("mutation consumed: rejected", logger.Err(err))
		return metrics.OutcomeRejected, nil
	}
	if err := mtx.commit(ctx, at); err != nil {
		return "", fmt.Errorf("write %s: %w", m.Name, err)
	}
	return metrics.OutcomeApplied, nil
}

// runMutator converts a panicking mutator into a rejection so a poison
// mutation cannot block its client forever.
func runMutator(ctx context.Context, fn Mutator, tx Tx, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject("mutator panic: %v", r)
		}
	}()
	return fn(ctx, tx, args)
}

func batchClients(req PushRequest) []string {
	seen := map[string]struct{}{req.ClientID: {}}
	ids := []string{req.ClientID}
	for _, m := range req.Mutations {
		if m.ClientID == "" {
			continue
		}
		if _, ok := seen[m.ClientID]; ok {
			continue
		}
		seen[m.ClientID] = struct{}{}
		ids = append(ids, m.ClientID)
	}
	return ids
}

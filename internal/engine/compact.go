package engine

import (
	"context"
	"fmt"

	"lifelog/api/internal/logger"
	"lifelog/api/internal/metrics"
)

// Datasets is implemented by stores that can enumerate their datasets.
type Datasets interface {
	Datasets(ctx context.Context) ([]DatasetID, error)
}

// Compact drops tombstones older than the last keep versions of ds. Clients
// whose cookie falls below the new horizon get a full snapshot on next pull.
func (e *Engine) Compact(ctx context.Context, ds DatasetID, keep uint64) (int, error) {
	var current, horizon Version
	err := e.store.View(ctx, ds, func(tx ReadTx) error {
		current, horizon = tx.Version(), tx.Horizon()
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	if uint64(current) <= keep {
		return 0, nil
	}
	target := current - Version(keep)
	if target <= horizon {
		return 0, nil
	}
	removed, err := e.store.Compact(ctx, ds, target)
	if err != nil {
		return 0, classify(fmt.Errorf("compact %s: %w", ds, err))
	}
	metrics.TombstonesCompacted.Add(float64(removed))
	return removed, nil
}

// CompactAll compacts every dataset the store knows about.
func (e *Engine) CompactAll(ctx context.Context, keep uint64) error {
	lister, ok := e.store.(Datasets)
	if !ok {
		return nil
	}
	datasets, err := lister.Datasets(ctx)
	if err != nil {
		return classify(fmt.Errorf("list datasets: %w", err))
	}
	log := logger.Named("compactor")
	for _, ds := range datasets {
		removed, err := e.Compact(ctx, ds, keep)
		if err != nil {
			return err
		}
		if removed > 0 {
			log.Info("tombstones compacted", logger.Subject(ds.Subject), logger.Count(removed))
		}
	}
	return nil
}

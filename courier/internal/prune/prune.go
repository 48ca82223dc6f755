// Package prune enforces the storage ceiling by evicting the lowest-priority,
// oldest payloads.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/courier/internal/metrics"
	"github.com/telhawk-systems/courier/courier/internal/payload"
)

// Store is the subset of the durable store the pruner needs.
type Store interface {
	List(ctx context.Context) ([]payload.Metadata, error)
	Delete(ctx context.Context, meta payload.Metadata) error
}

// Select splits metas into the ceiling entries to keep and the rest to evict.
// Order is priority descending, timestamp descending, UUID ascending. metas
// is not modified.
func Select(metas []payload.Metadata, ceiling int) (keep, evict []payload.Metadata) {
	sorted := make([]payload.Metadata, len(metas))
	copy(sorted, metas)
	payload.SortForRetention(sorted)

	if ceiling < 0 {
		ceiling = 0
	}
	if len(sorted) <= ceiling {
		return sorted, nil
	}
	return sorted[:ceiling], sorted[ceiling:]
}

// Pruner applies Select against a store.
type Pruner struct {
	store   Store
	ceiling int
	logger  *slog.Logger

	// serializes passes so two evictions never decide against the same listing
	mu sync.Mutex
}

// New returns a Pruner holding store to at most ceiling payloads.
func New(store Store, ceiling int, logger *slog.Logger) (*Pruner, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("storage ceiling must be positive, got %d", ceiling)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{store: store, ceiling: ceiling, logger: logger}, nil
}

// Ceiling returns the configured maximum number of stored payloads.
func (p *Pruner) Ceiling() int { return p.ceiling }

// Prune snapshots the listing and evicts everything beyond the ceiling.
// Payloads stored after the snapshot are left for the next pass. It returns
// the evicted entries.
func (p *Pruner) Prune(ctx context.Context) ([]payload.Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	metas, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}
	_, evict := Select(metas, p.ceiling)

	evicted := evict[:0]
	for _, m := range evict {
		if err := p.store.Delete(ctx, m); err != nil {
			p.logger.Warn("failed to evict payload", logging.PayloadKey(m.Key()), logging.Error(err))
			continue
		}
		metrics.PruneEvictions.WithLabelValues(m.Priority().String()).Inc()
		evicted = append(evicted, m)
	}
	metrics.StoredPayloads.Set(float64(len(metas) - len(evicted)))

	if len(evicted) > 0 {
		p.logger.Debug("evicted payloads over ceiling", logging.Count(len(evicted)), slog.Int("ceiling", p.ceiling))
	}
	return evicted, nil
}

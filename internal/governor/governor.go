// Package governor holds per-pool concurrency limits. The pool rows in the store are
// the single source of truth; nothing here caches capacity.
package governor

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store interface {
	GetPool(ctx context.Context, name string) (domain.WorkerPool, error)
	ListPools(ctx context.Context) ([]domain.WorkerPool, error)
	SetPoolMaxConcurrency(ctx context.Context, name string, value int) (domain.WorkerPool, error)
}

type Governor struct {
	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Governor {
	return &Governor{store: store, log: log}
}

// SetConcurrency sets the pool's max concurrency. value must lie within
// [min_concurrency, Ceiling()], a range operator changes do not narrow.
func (g *Governor) SetConcurrency(ctx context.Context, pool string, value int) (domain.WorkerPool, error) {
	p, err := g.store.GetPool(ctx, pool)
	if err != nil {
		return domain.WorkerPool{}, err
	}
	if value < p.MinConcurrency || value > p.Ceiling() {
		return domain.WorkerPool{}, errors.Wrapf(domain.ErrInvalidConcurrency,
			"pool %s: %d outside [%d, %d]", pool, value, p.MinConcurrency, p.Ceiling())
	}
	updated, err := g.store.SetPoolMaxConcurrency(ctx, pool, value)
	if err != nil {
		return domain.WorkerPool{}, err
	}
	g.log.Info("pool concurrency changed",
		zap.String("pool", pool),
		zap.Int("from", p.MaxConcurrency),
		zap.Int("to", updated.MaxConcurrency),
	)
	return updated, nil
}

// CanAdmit reports whether pool has a free lease slot. A pool without a row is
// not governed and always admits.
func (g *Governor) CanAdmit(ctx context.Context, pool string, burstOverride bool) (bool, error) {
	p, err := g.store.GetPool(ctx, pool)
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return p.CanAdmit(burstOverride), nil
}

func (g *Governor) Pools(ctx context.Context) ([]domain.WorkerPool, error) {
	return g.store.ListPools(ctx)
}

package governor

import (
	"context"
	"path"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type PoolLister interface {
	ListPools(ctx context.Context) ([]domain.WorkerPool, error)
}

const poolsKey = "pools"

// Resolver maps a topic to the first pool (by name) whose topic_glob matches it.
type Resolver struct {
	src   PoolLister
	cache *ttlcache.Cache[string, []domain.WorkerPool]
	log   *zap.Logger
}

func NewResolver(src PoolLister, ttl time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{
		src: src,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []domain.WorkerPool](ttl),
			ttlcache.WithDisableTouchOnHit[string, []domain.WorkerPool](),
		),
		log: log,
	}
}

// Resolve never fails: an unreadable pool table routes to the default pool.
func (r *Resolver) Resolve(ctx context.Context, topic string) string {
	pools, ok := r.pools(ctx)
	if !ok {
		return domain.DefaultPool
	}
	for _, p := range pools {
		if p.TopicGlob == "" {
			continue
		}
		if m, err := path.Match(p.TopicGlob, topic); err == nil && m {
			return p.Pool
		}
	}
	return domain.DefaultPool
}

func (r *Resolver) pools(ctx context.Context) ([]domain.WorkerPool, bool) {
	if it := r.cache.Get(poolsKey); it != nil {
		return it.Value(), true
	}
	pools, err := r.src.ListPools(ctx)
	if err != nil {
		r.log.Warn("pool table unavailable, routing to default pool", zap.Error(err))
		return nil, false
	}
	r.cache.Set(poolsKey, pools, ttlcache.DefaultTTL)
	return pools, true
}

// Package flags serves control-flag snapshots to admission checks from a short-TTL
// cache. Admission may lag a flag change by up to the cache TTL.
package flags

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Source interface {
	LoadControlFlags(ctx context.Context) (domain.ControlFlags, error)
}

const snapshotKey = "control_flags"

type Accessor struct {
	src   Source
	cache *ttlcache.Cache[string, domain.ControlFlags]
	log   *zap.Logger
}

// New builds an Accessor. A zero ttl disables caching.
func New(src Source, ttl time.Duration, log *zap.Logger) *Accessor {
	a := &Accessor{src: src, log: log}
	if ttl > 0 {
		a.cache = ttlcache.New(
			ttlcache.WithTTL[string, domain.ControlFlags](ttl),
			ttlcache.WithDisableTouchOnHit[string, domain.ControlFlags](),
		)
	}
	return a
}

// Load returns the current flags. A failing source yields the defaults (fail-open)
// and the failure is not cached.
func (a *Accessor) Load(ctx context.Context) domain.ControlFlags {
	if a.cache != nil {
		if it := a.cache.Get(snapshotKey); it != nil {
			return it.Value()
		}
	}
	f, err := a.src.LoadControlFlags(ctx)
	if err != nil {
		a.log.Warn("control flags unavailable, failing open", zap.Error(err))
		return domain.DefaultControlFlags()
	}
	if a.cache != nil {
		a.cache.Set(snapshotKey, f, ttlcache.DefaultTTL)
	}
	return f
}

// Invalidate drops the cached snapshot so the next Load reads the source.
func (a *Accessor) Invalidate() {
	if a.cache != nil {
		a.cache.Delete(snapshotKey)
	}
}

// Package heartbeat records worker liveness beats and answers staleness queries.
package heartbeat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store interface {
	UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) (bool, error)
	ListStaleHeartbeats(ctx context.Context, before time.Time) ([]domain.Heartbeat, error)
}

type Registry struct {
	store Store
	log   *zap.Logger
}

func New(store Store, log *zap.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Beat stores hb. Beats older than the recorded one are ignored so last_beat only
// moves forward; the returned bool reports whether hb was applied.
func (r *Registry) Beat(ctx context.Context, hb domain.Heartbeat) (bool, error) {
	if err := hb.Validate(); err != nil {
		return false, err
	}
	hb.LastBeat = hb.LastBeat.UTC()
	applied, err := r.store.UpsertHeartbeat(ctx, hb)
	if err != nil {
		return false, errors.Wrapf(err, "heartbeat %s", hb.WorkerID)
	}
	if !applied {
		r.log.Debug("out-of-order heartbeat ignored", zap.String("worker_id", hb.WorkerID), zap.Time("last_beat", hb.LastBeat))
	}
	return applied, nil
}

// Stale returns beats whose last_beat is older than now - threshold.
func (r *Registry) Stale(ctx context.Context, now time.Time, threshold time.Duration) ([]domain.Heartbeat, error) {
	hbs, err := r.store.ListStaleHeartbeats(ctx, now.Add(-threshold))
	if err != nil {
		return nil, errors.Wrap(err, "list stale heartbeats")
	}
	return hbs, nil
}

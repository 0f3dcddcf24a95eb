package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type ExpiredLister interface {
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
}

type ReapSummary struct {
	Expired      int `json:"expired"`
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"dead_lettered"`
}

const DefaultReapBatch = 500

// Reaper treats running jobs whose lease has lapsed as failed executions.
type Reaper struct {
	jobs  ExpiredLister
	mgr   *Manager
	log   *zap.Logger
	now   func() time.Time
	batch int
}

func NewReaper(jobs ExpiredLister, mgr *Manager, batch int, log *zap.Logger) *Reaper {
	if batch <= 0 {
		batch = DefaultReapBatch
	}
	return &Reaper{jobs: jobs, mgr: mgr, log: log, now: time.Now, batch: batch}
}

func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Tick reclaims up to one batch of expired leases. Per-job failures are logged and
// returned together; they never stop the sweep.
func (r *Reaper) Tick(ctx context.Context) (ReapSummary, error) {
	now := r.now().UTC()
	jobs, err := r.jobs.ListExpiredLeases(ctx, now, r.batch)
	if err != nil {
		return ReapSummary{}, errors.Wrap(err, "reaper: list expired leases")
	}
	var sum ReapSummary
	var errs error
	for _, j := range jobs {
		sum.Expired++
		d, err := r.mgr.FailExpired(ctx, j, now)
		switch {
		case errors.Is(err, domain.ErrLeaseLost):
			r.log.Debug("expired lease already released", zap.String("job_id", j.ID))
		case err != nil:
			r.log.Error("reap failed", zap.String("job_id", j.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
		case d.Action == DeadLetter:
			sum.DeadLettered++
		default:
			sum.Requeued++
		}
	}
	if sum.Expired > 0 {
		r.log.Info("reaper tick",
			zap.Int("expired", sum.Expired),
			zap.Int("requeued", sum.Requeued),
			zap.Int("dead_lettered", sum.DeadLettered),
		)
	}
	return sum, errs
}

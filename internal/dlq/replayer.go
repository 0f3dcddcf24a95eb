// Package dlq re-admits dead-lettered jobs on a fixed backoff schedule and marks
// entries that exhaust it as permanent failures.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

// DefaultWindows is the replay backoff: entry.Attempts indexes it.
var DefaultWindows = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}

const DefaultBatch = 100

type Store interface {
	ListReadyDeadLetters(ctx context.Context, now time.Time, limit int) ([]*domain.DeadLetterEntry, error)
	MarkPermanentFailure(ctx context.Context, id string) error
	ReplayDeadLetter(ctx context.Context, id string, j *domain.Job) error
	RecordReplayFailure(ctx context.Context, id string, attempts int, retryAfter time.Time, lastErr string) error
}

type Notifier interface {
	Signal(ctx context.Context, pool string, jobID string) error
}

type Summary struct {
	Replayed          int `json:"replayed"`
	Total             int `json:"total"`
	PermanentFailures int `json:"permanent_failures"`
	Rescheduled       int `json:"rescheduled"`
}

type Replayer struct {
	store   Store
	notify  Notifier
	log     *zap.Logger
	now     func() time.Time
	windows []time.Duration
	batch   int
}

type Option func(*Replayer)

func WithWindows(w []time.Duration) Option {
	return func(r *Replayer) {
		if len(w) > 0 {
			r.windows = w
		}
	}
}

func WithBatch(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithNotifier(n Notifier) Option { return func(r *Replayer) { r.notify = n } }

func WithClock(now func() time.Time) Option { return func(r *Replayer) { r.now = now } }

func NewReplayer(store Store, log *zap.Logger, opts ...Option) *Replayer {
	r := &Replayer{store: store, log: log, now: time.Now, windows: DefaultWindows, batch: DefaultBatch}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tick processes one batch of ready entries. Errors on individual entries are logged
// and returned together after the whole batch has been attempted.
func (r *Replayer) Tick(ctx context.Context) (Summary, error) {
	now := r.now().UTC()
	entries, err := r.store.ListReadyDeadLetters(ctx, now, r.batch)
	if err != nil {
		return Summary{}, errors.Wrap(err, "dlq: list ready entries")
	}
	sum := Summary{Total: len(entries)}
	var errs error
	for _, e := range entries {
		if err := r.process(ctx, now, e, &sum); err != nil {
			r.log.Error("dlq entry not processed", zap.String("dlq_id", e.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	if sum.Total > 0 {
		r.log.Info("dlq replay tick",
			zap.Int("total", sum.Total),
			zap.Int("replayed", sum.Replayed),
			zap.Int("rescheduled", sum.Rescheduled),
			zap.Int("permanent_failures", sum.PermanentFailures),
		)
	}
	return sum, errs
}

func (r *Replayer) process(ctx context.Context, now time.Time, e *domain.DeadLetterEntry, sum *Summary) error {
	if e.Attempts >= len(r.windows) {
		if err := r.store.MarkPermanentFailure(ctx, e.ID); err != nil {
			return errors.Wrap(err, "mark permanent failure")
		}
		sum.PermanentFailures++
		r.log.Warn("dlq entry exhausted", zap.String("dlq_id", e.ID), zap.String("job_id", e.OriginalJobID))
		return nil
	}

	j := jobFrom(e, now)
	rerr := r.store.ReplayDeadLetter(ctx, e.ID, j)
	if rerr == nil {
		sum.Replayed++
		r.signal(ctx, j)
		return nil
	}

	attempts := e.Attempts + 1
	if attempts >= len(r.windows) {
		if err := r.store.MarkPermanentFailure(ctx, e.ID); err != nil {
			return multierr.Append(rerr, errors.Wrap(err, "mark permanent failure"))
		}
		sum.PermanentFailures++
		r.log.Warn("dlq replay failed, entry exhausted", zap.String("dlq_id", e.ID), zap.Error(rerr))
		return nil
	}
	retryAfter := now.Add(r.windows[attempts])
	if err := r.store.RecordReplayFailure(ctx, e.ID, attempts, retryAfter, rerr.Error()); err != nil {
		return multierr.Append(rerr, errors.Wrap(err, "record replay failure"))
	}
	sum.Rescheduled++
	r.log.Info("dlq replay failed, rescheduled",
		zap.String("dlq_id", e.ID),
		zap.Int("attempts", attempts),
		zap.Time("retry_after", retryAfter),
		zap.Error(rerr),
	)
	return nil
}

// jobFrom builds the fresh job a replay inserts. The idempotency key is not carried
// over: the original key may already be reused by a newer job.
func jobFrom(e *domain.DeadLetterEntry, now time.Time) *domain.Job {
	s := e.Snapshot
	pool := s.Pool
	if pool == "" {
		pool = domain.DefaultPool
	}
	return &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    s.TenantID,
		Region:      s.Region,
		Pool:        pool,
		Topic:       s.Topic,
		Payload:     s.Payload,
		Status:      domain.Queued,
		Attempts:    0,
		MaxAttempts: s.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *Replayer) signal(ctx context.Context, j *domain.Job) {
	if r.notify == nil {
		return
	}
	if err := r.notify.Signal(ctx, j.Pool, j.ID); err != nil {
		r.log.Warn("ready signal failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

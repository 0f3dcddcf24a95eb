// Package retry owns the failure path of a leased job: requeue while attempts remain,
// otherwise move it to the dead-letter queue.
package retry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store interface {
	RequeueJob(ctx context.Context, rel domain.Release, attempts int, lastErr string) error
	DeadLetterJob(ctx context.Context, rel domain.Release, e *domain.DeadLetterEntry) error
}

type Action int

const (
	Requeue Action = iota
	DeadLetter
)

func (a Action) String() string {
	if a == DeadLetter {
		return "dead_letter"
	}
	return "requeue"
}

type Decision struct {
	Action   Action
	Attempts int
	Entry    *domain.DeadLetterEntry
}

// Decide counts the failure against j. A job that still has attempts left is requeued
// with attempts+1; otherwise it becomes a pending DLQ entry due immediately.
func Decide(j *domain.Job, cause error, now time.Time) Decision {
	attempts := j.Attempts + 1
	if attempts < j.MaxAttempts {
		return Decision{Action: Requeue, Attempts: attempts}
	}
	return Decision{
		Action:   DeadLetter,
		Attempts: attempts,
		Entry: &domain.DeadLetterEntry{
			ID:            uuid.NewString(),
			OriginalJobID: j.ID,
			Snapshot:      domain.SnapshotOf(j),
			Attempts:      0,
			RetryAfter:    now,
			Status:        domain.DLQPending,
			LastError:     errString(cause),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type Manager struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, log *zap.Logger) *Manager {
	return &Manager{store: store, log: log, now: time.Now}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Fail records a failed execution by the current lease holder of j.
func (m *Manager) Fail(ctx context.Context, j *domain.Job, cause error) (Decision, error) {
	return m.fail(ctx, domain.Release{JobID: j.ID, Owner: j.Owner(), Attempts: j.Attempts}, j, cause)
}

// FailExpired records a lease expiry. It only applies if the lease is still the one
// that expired before cutoff, so a lease renewed or finished in between is left alone.
func (m *Manager) FailExpired(ctx context.Context, j *domain.Job, cutoff time.Time) (Decision, error) {
	rel := domain.Release{JobID: j.ID, Owner: j.Owner(), Attempts: j.Attempts, ExpiredBefore: &cutoff}
	return m.fail(ctx, rel, j, errors.Wrapf(domain.ErrLeaseExpired, "owner %s", j.Owner()))
}

func (m *Manager) fail(ctx context.Context, rel domain.Release, j *domain.Job, cause error) (Decision, error) {
	d := Decide(j, cause, m.now().UTC())
	var err error
	switch d.Action {
	case Requeue:
		err = m.store.RequeueJob(ctx, rel, d.Attempts, errString(cause))
	case DeadLetter:
		err = m.store.DeadLetterJob(ctx, rel, d.Entry)
	}
	if err != nil {
		return d, errors.Wrapf(err, "%s job %s", d.Action, j.ID)
	}
	fields := []zap.Field{
		zap.String("job_id", j.ID),
		zap.String("topic", j.Topic),
		zap.Int("attempts", d.Attempts),
		zap.Int("max_attempts", j.MaxAttempts),
		zap.Error(cause),
	}
	if d.Action == DeadLetter {
		m.log.Warn("job dead-lettered", append(fields, zap.String("dlq_id", d.Entry.ID))...)
	} else {
		m.log.Info("job requeued", fields...)
	}
	return d, nil
}

// Package executor runs a leased job through its handler and settles the lease:
// done on success, the retry state machine on failure.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/retry"
)

type Store interface {
	CompleteJob(ctx context.Context, rel domain.Release) error
}

type Failer interface {
	Fail(ctx context.Context, j *domain.Job, cause error) (retry.Decision, error)
}

type Outcome int

const (
	Completed Outcome = iota
	Retried
	DeadLettered
	// LeaseLost means another party (usually the reaper) settled the job first.
	LeaseLost
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Retried:
		return "retried"
	case DeadLettered:
		return "dead_lettered"
	case LeaseLost:
		return "lease_lost"
	}
	return "unknown"
}

const DefaultTimeout = 5 * time.Minute

type Executor struct {
	reg     *Registry
	store   Store
	retry   Failer
	log     *zap.Logger
	timeout time.Duration
}

func New(reg *Registry, store Store, retry Failer, timeout time.Duration, log *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{reg: reg, store: store, retry: retry, log: log, timeout: timeout}
}

// Execute runs j, which must be leased by the caller, and settles its lease. The
// returned error is only set when the settlement itself could not be written; the
// job then stays running until the reaper reclaims it.
func (e *Executor) Execute(ctx context.Context, j *domain.Job) (Outcome, error) {
	cause := e.run(ctx, j)

	// Settlement must happen even if the caller is shutting down.
	sctx := context.WithoutCancel(ctx)
	if cause == nil {
		err := e.store.CompleteJob(sctx, domain.Release{JobID: j.ID, Owner: j.Owner(), Attempts: j.Attempts})
		if errors.Is(err, domain.ErrLeaseLost) {
			e.log.Warn("lease lost before completion", zap.String("job_id", j.ID))
			return LeaseLost, nil
		}
		if err != nil {
			return Completed, errors.Wrapf(err, "complete job %s", j.ID)
		}
		e.log.Debug("job done", zap.String("job_id", j.ID), zap.String("topic", j.Topic))
		return Completed, nil
	}

	e.log.Info("job failed",
		zap.String("job_id", j.ID),
		zap.String("topic", j.Topic),
		zap.Int("attempts", j.Attempts),
		zap.Error(cause),
	)
	d, err := e.retry.Fail(sctx, j, cause)
	if errors.Is(err, domain.ErrLeaseLost) {
		e.log.Warn("lease lost before failure was recorded", zap.String("job_id", j.ID))
		return LeaseLost, nil
	}
	if err != nil {
		return Retried, err
	}
	if d.Action == retry.DeadLetter {
		return DeadLettered, nil
	}
	return Retried, nil
}

// run invokes the handler under the executor timeout. A handler that ignores its
// context is abandoned when the timeout fires; its result is discarded.
func (e *Executor) run(ctx context.Context, j *domain.Job) error {
	h, ok := e.reg.Lookup(j.Topic)
	if !ok {
		return errors.Wrapf(domain.ErrUnknownJobType, "topic %s", j.Topic)
	}
	hctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- h.Execute(hctx, j.Payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return &domain.HandlerError{Topic: j.Topic, Err: err}
		}
		return nil
	case <-hctx.Done():
		return &domain.HandlerError{Topic: j.Topic, Err: errors.Wrap(hctx.Err(), "handler timed out")}
	}
}

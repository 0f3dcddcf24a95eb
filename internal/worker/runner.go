// Package worker drives the sequential claim, execute, release loop of one worker
// process and publishes its heartbeat.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/executor"
)

type Claimer interface {
	Claim(ctx context.Context, owner, pool string) (*domain.Job, error)
}

type Executor interface {
	Execute(ctx context.Context, j *domain.Job) (executor.Outcome, error)
}

type Beater interface {
	Beat(ctx context.Context, hb domain.Heartbeat) (bool, error)
}

// Waker blocks until work is announced for one of pools or block elapses.
type Waker interface {
	Wait(ctx context.Context, block time.Duration, pools ...string) (string, error)
}

type Config struct {
	WorkerID          string
	Pool              string
	Region            string
	Version           string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// ClaimRate caps claim attempts per second.
	ClaimRate float64
}

type Runner struct {
	cfg     Config
	claimer Claimer
	exec    Executor
	beats   Beater
	waker   Waker
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
	busy    atomic.Bool
}

func New(cfg Config, claimer Claimer, exec Executor, beats Beater, waker Waker, log *zap.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.ClaimRate > 0 {
		limit = rate.Limit(cfg.ClaimRate)
	}
	return &Runner{
		cfg:     cfg,
		claimer: claimer,
		exec:    exec,
		beats:   beats,
		waker:   waker,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With(zap.String("worker_id", cfg.WorkerID), zap.String("pool", cfg.Pool)),
		now:     time.Now,
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was run.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	j, err := r.claimer.Claim(ctx, r.cfg.WorkerID, r.cfg.Pool)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	r.busy.Store(true)
	defer r.busy.Store(false)

	start := r.now()
	out, err := r.exec.Execute(ctx, j)
	r.log.Debug("job executed",
		zap.String("job_id", j.ID),
		zap.String("topic", j.Topic),
		zap.Stringer("outcome", out),
		zap.Duration("took", r.now().Sub(start)),
	)
	return true, err
}

// Run loops RunOnce and the heartbeat until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeat(ctx) })
	g.Go(func() error { return r.loop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		worked, err := r.RunOnce(ctx)
		if err != nil {
			r.log.Error("worker iteration failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		if err := r.idle(ctx); err != nil {
			return err
		}
	}
}

// idle waits for a ready signal, or one poll interval when signals are unavailable.
func (r *Runner) idle(ctx context.Context) error {
	if r.waker != nil {
		_, err := r.waker.Wait(ctx, r.cfg.PollInterval, r.pools()...)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("ready signal wait failed", zap.Error(err))
	}
	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) pools() []string {
	if r.cfg.Pool != "" {
		return []string{r.cfg.Pool}
	}
	return []string{domain.DefaultPool}
}

func (r *Runner) heartbeat(ctx context.Context) error {
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		r.Beat(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Beat publishes one heartbeat. Failures are logged; the watchdog notices silence.
func (r *Runner) Beat(ctx context.Context) {
	load := 0.0
	if r.busy.Load() {
		load = 100
	}
	_, err := r.beats.Beat(ctx, domain.Heartbeat{
		WorkerID: r.cfg.WorkerID,
		Pool:     r.cfg.Pool,
		Region:   r.cfg.Region,
		LastBeat: r.now().UTC(),
		LoadPct:  load,
		Version:  r.cfg.Version,
	})
	if err != nil && ctx.Err() == nil {
		r.log.Warn("heartbeat failed", zap.Error(err))
	}
}

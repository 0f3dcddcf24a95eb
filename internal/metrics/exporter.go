// Package metrics publishes queue, DLQ and pool state as Prometheus gauges.
package metrics

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store interface {
	CountJobs(ctx context.Context) ([]domain.JobCount, error)
	CountDeadLetters(ctx context.Context, status domain.DLQStatus) (int64, error)
	ListPools(ctx context.Context) ([]domain.WorkerPool, error)
}

type Heartbeats interface {
	Stale(ctx context.Context, now time.Time, threshold time.Duration) ([]domain.Heartbeat, error)
}

// ReadyDepth reports how many ready signals are waiting for a pool.
type ReadyDepth interface {
	Depth(ctx context.Context, pool string) (int64, error)
}

type Summary struct {
	JobsByStatus map[string]int64    `json:"jobs_by_status"`
	DLQPending   int64               `json:"dlq_pending"`
	DLQPermanent int64               `json:"dlq_permanent"`
	Pools        []domain.WorkerPool `json:"pools"`
	StaleWorkers int                 `json:"stale_workers"`
	ReadySignals map[string]int64    `json:"ready_signals,omitempty"`
}

type Exporter struct {
	store          Store
	hbs            Heartbeats
	ready          ReadyDepth
	log            *zap.Logger
	now            func() time.Time
	staleThreshold time.Duration

	jobs        *prometheus.GaugeVec
	deadLetters *prometheus.GaugeVec
	concurrency *prometheus.GaugeVec
	readyLists  *prometheus.GaugeVec
	stale       prometheus.Gauge
}

func New(store Store, hbs Heartbeats, staleThreshold time.Duration, reg prometheus.Registerer, log *zap.Logger) (*Exporter, error) {
	e := &Exporter{
		store:          store,
		hbs:            hbs,
		log:            log,
		now:            time.Now,
		staleThreshold: staleThreshold,
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobcore",
			Name:      "jobs",
			Help:      "Live jobs by pool and status.",
		}, []string{"pool", "status"}),
		deadLetters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobcore",
			Name:      "dead_letters",
			Help:      "Dead-letter entries by status.",
		}, []string{"status"}),
		concurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobcore",
			Name:      "pool_concurrency",
			Help:      "Worker pool concurrency by kind (min, max, burst, current).",
		}, []string{"pool", "kind"}),
		readyLists: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobcore",
			Name:      "ready_signals",
			Help:      "Unconsumed ready signals by pool.",
		}, []string{"pool"}),
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jobcore",
			Name:      "stale_workers",
			Help:      "Workers whose last heartbeat is older than the stale threshold.",
		}),
	}
	for _, c := range []prometheus.Collector{e.jobs, e.deadLetters, e.concurrency, e.readyLists, e.stale} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return e, nil
}

// WithReadyDepth makes Tick export the ready-list length of every configured pool.
func (e *Exporter) WithReadyDepth(d ReadyDepth) *Exporter {
	e.ready = d
	return e
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Tick refreshes every gauge. A failing source leaves its gauges at their last value.
func (e *Exporter) Tick(ctx context.Context) (Summary, error) {
	sum := Summary{JobsByStatus: make(map[string]int64)}
	var errs error

	if counts, err := e.store.CountJobs(ctx); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "count jobs"))
	} else {
		e.jobs.Reset()
		for _, c := range counts {
			e.jobs.WithLabelValues(c.Pool, string(c.Status)).Set(float64(c.Count))
			sum.JobsByStatus[string(c.Status)] += c.Count
		}
	}

	for _, st := range []domain.DLQStatus{domain.DLQPending, domain.DLQPermanentFailure} {
		n, err := e.store.CountDeadLetters(ctx, st)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "count dlq %s", st))
			continue
		}
		e.deadLetters.WithLabelValues(string(st)).Set(float64(n))
		if st == domain.DLQPending {
			sum.DLQPending = n
		} else {
			sum.DLQPermanent = n
		}
	}

	if pools, err := e.store.ListPools(ctx); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "list pools"))
	} else {
		e.concurrency.Reset()
		for _, p := range pools {
			e.concurrency.WithLabelValues(p.Pool, "min").Set(float64(p.MinConcurrency))
			e.concurrency.WithLabelValues(p.Pool, "max").Set(float64(p.MaxConcurrency))
			e.concurrency.WithLabelValues(p.Pool, "burst").Set(float64(p.BurstConcurrency))
			e.concurrency.WithLabelValues(p.Pool, "current").Set(float64(p.CurrentConcurrency))
		}
		sum.Pools = pools
		if e.ready != nil {
			sum.ReadySignals = e.tickReady(ctx, pools, &errs)
		}
	}

	if stale, err := e.hbs.Stale(ctx, e.now().UTC(), e.staleThreshold); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		e.stale.Set(float64(len(stale)))
		sum.StaleWorkers = len(stale)
	}

	if errs != nil {
		e.log.Warn("metrics tick incomplete", zap.Error(errs))
	}
	return sum, errs
}

func (e *Exporter) tickReady(ctx context.Context, pools []domain.WorkerPool, errs *error) map[string]int64 {
	out := make(map[string]int64, len(pools))
	for _, p := range pools {
		n, err := e.ready.Depth(ctx, p.Pool)
		if err != nil {
			*errs = multierr.Append(*errs, err)
			continue
		}
		e.readyLists.WithLabelValues(p.Pool).Set(float64(n))
		out[p.Pool] = n
	}
	return out
}

// Package app assembles the job core from configuration, for the api, worker and
// scheduler binaries and the jobctl operator tool.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/api"
	"github.com/SirClappington/jobcore/internal/claim"
	"github.com/SirClappington/jobcore/internal/config"
	"github.com/SirClappington/jobcore/internal/control"
	"github.com/SirClappington/jobcore/internal/dlq"
	"github.com/SirClappington/jobcore/internal/executor"
	"github.com/SirClappington/jobcore/internal/flags"
	"github.com/SirClappington/jobcore/internal/governor"
	"github.com/SirClappington/jobcore/internal/heartbeat"
	"github.com/SirClappington/jobcore/internal/idempotency"
	"github.com/SirClappington/jobcore/internal/ingest"
	"github.com/SirClappington/jobcore/internal/metrics"
	"github.com/SirClappington/jobcore/internal/queue"
	"github.com/SirClappington/jobcore/internal/ratelimit"
	"github.com/SirClappington/jobcore/internal/retry"
	"github.com/SirClappington/jobcore/internal/storage"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

type App struct {
	Config config.Config
	Log    *zap.Logger

	DB    *pgxpool.Pool
	Redis *r.Client
	Store *storage.Store
	Queue *queue.RedisQ

	Flags      *flags.Accessor
	Governor   *governor.Governor
	Pools      *governor.Resolver
	Ingest     *ingest.Gateway
	Handlers   *executor.Registry
	Claimer    *claim.Claimer
	Retry      *retry.Manager
	Executor   *executor.Executor
	Reaper     *retry.Reaper
	Replayer   *dlq.Replayer
	Heartbeats *heartbeat.Registry
	Watchdog   *watchdog.Watchdog
	Metrics    *metrics.Exporter
	Control    *control.Service
	Tracker    *idempotency.Tracker
	Limiter    *ratelimit.Limiter
	Prometheus *prometheus.Registry
}

// New connects to Postgres and Redis and builds every component.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	db, err := storage.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	a, err := Build(cfg, storage.New(db), rdb, log)
	if err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, err
	}
	a.DB = db
	return a, nil
}

// Build wires the components over an existing store and Redis client.
func Build(cfg config.Config, store *storage.Store, rdb *r.Client, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Store: store, Redis: rdb, Queue: queue.New(rdb)}

	a.Flags = flags.New(store, cfg.FlagCacheTTL, log)
	a.Governor = governor.New(store, log)
	a.Pools = governor.NewResolver(store, cfg.PoolCacheTTL, log)
	a.Ingest = ingest.New(store, a.Flags, a.Pools, log,
		ingest.WithNotifier(a.Queue),
		ingest.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
	)

	a.Handlers = executor.NewRegistry()
	RegisterBuiltins(a.Handlers, log)
	a.Handlers.MarkReadOnly(cfg.ReadOnlyTopics...)

	a.Claimer = claim.New(store, a.Flags, a.Governor, a.Handlers, cfg.LeaseTTL, log)
	a.Retry = retry.New(store, log)
	a.Executor = executor.New(a.Handlers, store, a.Retry, cfg.HandlerTimeout, log)
	a.Reaper = retry.NewReaper(store, a.Retry, cfg.ReaperBatchSize, log)
	a.Replayer = dlq.NewReplayer(store, log,
		dlq.WithWindows(cfg.DLQBackoff),
		dlq.WithBatch(cfg.DLQBatchSize),
		dlq.WithNotifier(a.Queue),
	)
	a.Heartbeats = heartbeat.New(store, log)
	a.Watchdog = watchdog.New(a.Heartbeats, store, a.Ingest, watchdog.Config{
		StaleThreshold: cfg.StaleThreshold,
		DLQThreshold:   cfg.DLQThreshold,
		Cooldown:       cfg.IncidentCooldown,
	}, log)

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exp, err := metrics.New(store, a.Heartbeats, cfg.StaleThreshold, a.Prometheus, log)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	a.Metrics = exp.WithReadyDepth(a.Queue)

	a.Control = control.New(store, a.Flags, log)
	a.Tracker = idempotency.New(cfg.IdempotencyTTL)
	a.Limiter = ratelimit.New(rdb, log)
	return a, nil
}

// Ticks names the periodic jobs the scheduler runs and the API exposes.
func (a *App) Ticks() map[string]api.Tick {
	return map[string]api.Tick{
		"reaper":   func(ctx context.Context) (any, error) { return a.Reaper.Tick(ctx) },
		"dlq":      func(ctx context.Context) (any, error) { return a.Replayer.Tick(ctx) },
		"watchdog": func(ctx context.Context) (any, error) { return a.Watchdog.Tick(ctx) },
		"metrics":  func(ctx context.Context) (any, error) { return a.Metrics.Tick(ctx) },
	}
}

// TickOrder is the order the scheduler runs ticks in: leases are reclaimed before
// the DLQ is drained, and the watchdog and metrics see the result.
var TickOrder = []string{"reaper", "dlq", "watchdog", "metrics"}

// API builds the HTTP server over the app's components.
func (a *App) API() *api.Server {
	return api.New(api.Deps{
		Jobs:       a.Ingest,
		Claimer:    a.Claimer,
		Store:      a.Store,
		Retry:      a.Retry,
		Heartbeats: a.Heartbeats,
		Pools:      a.Governor,
		Control:    a.Control,
		Tracker:    a.Tracker,
		Ticks:      a.Ticks(),
		RateLimit:  a.Limiter.Middleware("enqueue", a.Config.RateLimit, a.Config.RateWindow, ratelimit.TenantOrIP),
		Gatherer:   a.Prometheus,
		Log:        a.Log,
	})
}

// Close releases the connections. The tracker sweep, if started, is the caller's to stop.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Package watchdog audits worker liveness and DLQ backlog, raising incidents and
// enqueueing diagnostic probe jobs for stale workers.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/ingest"
)

const (
	ProbeTopic  = "ops.incident_probe"
	ProbeTenant = "system"
	DLQSource   = "watchdog:dlq"

	DefaultStaleThreshold = 60 * time.Second
	DefaultDLQThreshold   = 100
)

func WorkerSource(workerID string) string { return "watchdog:worker:" + workerID }

type Heartbeats interface {
	Stale(ctx context.Context, now time.Time, threshold time.Duration) ([]domain.Heartbeat, error)
}

type Store interface {
	CountDeadLetters(ctx context.Context, status domain.DLQStatus) (int64, error)
	CreateIncident(ctx context.Context, in *domain.Incident) error
	LastIncidentAt(ctx context.Context, source string) (time.Time, bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

type Config struct {
	StaleThreshold time.Duration
	DLQThreshold   int64
	// Cooldown suppresses a repeat incident from the same source; zero raises one every tick.
	Cooldown time.Duration
}

type Summary struct {
	StaleWorkers     int   `json:"stale_workers"`
	DLQCount         int64 `json:"dlq_count"`
	IncidentsCreated int   `json:"incidents_created"`
	ProbesEnqueued   int   `json:"probes_enqueued"`
}

type Watchdog struct {
	hbs    Heartbeats
	store  Store
	probes Enqueuer
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func New(hbs Heartbeats, store Store, probes Enqueuer, cfg Config, log *zap.Logger) *Watchdog {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.DLQThreshold <= 0 {
		cfg.DLQThreshold = DefaultDLQThreshold
	}
	return &Watchdog{hbs: hbs, store: store, probes: probes, cfg: cfg, log: log, now: time.Now}
}

func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Tick runs one audit. Each stale worker and the DLQ check are independent: a
// failure in one is logged, collected and does not stop the others.
func (w *Watchdog) Tick(ctx context.Context) (Summary, error) {
	now := w.now().UTC()
	var sum Summary
	var errs error

	stale, err := w.hbs.Stale(ctx, now, w.cfg.StaleThreshold)
	if err != nil {
		w.log.Error("watchdog: heartbeat scan failed", zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	for _, hb := range stale {
		if err := hb.Validate(); err != nil {
			w.log.Warn("watchdog: skipping malformed heartbeat", zap.String("worker_id", hb.WorkerID), zap.Error(err))
			continue
		}
		sum.StaleWorkers++
		if err := w.staleWorker(ctx, now, hb, &sum); err != nil {
			w.log.Error("watchdog: stale worker not handled", zap.String("worker_id", hb.WorkerID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if err := w.backlog(ctx, now, &sum); err != nil {
		w.log.Error("watchdog: dlq check failed", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	if sum.StaleWorkers > 0 || sum.IncidentsCreated > 0 {
		w.log.Info("watchdog tick",
			zap.Int("stale_workers", sum.StaleWorkers),
			zap.Int64("dlq_count", sum.DLQCount),
			zap.Int("incidents_created", sum.IncidentsCreated),
			zap.Int("probes_enqueued", sum.ProbesEnqueued),
		)
	}
	return sum, errs
}

func (w *Watchdog) staleWorker(ctx context.Context, now time.Time, hb domain.Heartbeat, sum *Summary) error {
	staleness := hb.Staleness(now)
	detail, _ := json.Marshal(map[string]any{
		"worker_id":         hb.WorkerID,
		"pool":              hb.Pool,
		"region":            hb.Region,
		"version":           hb.Version,
		"last_beat":         hb.LastBeat,
		"staleness_seconds": int64(staleness.Seconds()),
	})
	var errs error
	in, err := w.raise(ctx, now, WorkerSource(hb.WorkerID), domain.SeverityHigh,
		fmt.Sprintf("worker %s silent for %s", hb.WorkerID, staleness.Round(time.Second)), detail)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if in != nil {
		sum.IncidentsCreated++
	}

	// The probe is keyed by the stale beat, so one probe exists per silence.
	payload, _ := json.Marshal(map[string]any{
		"worker_id": hb.WorkerID,
		"pool":      hb.Pool,
		"region":    hb.Region,
		"last_beat": hb.LastBeat,
	})
	res, err := w.probes.Enqueue(ctx, ingest.Request{
		Topic:          ProbeTopic,
		Payload:        payload,
		TenantID:       ProbeTenant,
		Region:         hb.Region,
		IdempotencyKey: "probe:" + hb.WorkerID + ":" + strconv.FormatInt(hb.LastBeat.UnixNano(), 10),
	})
	switch {
	case err != nil:
		errs = multierr.Append(errs, errors.Wrap(err, "enqueue probe"))
	case !res.Duplicate:
		sum.ProbesEnqueued++
	}
	return errs
}

func (w *Watchdog) backlog(ctx context.Context, now time.Time, sum *Summary) error {
	n, err := w.store.CountDeadLetters(ctx, domain.DLQPending)
	if err != nil {
		return errors.Wrap(err, "count dlq")
	}
	sum.DLQCount = n
	if n <= w.cfg.DLQThreshold {
		return nil
	}
	detail, _ := json.Marshal(map[string]any{"pending": n, "threshold": w.cfg.DLQThreshold})
	in, err := w.raise(ctx, now, DLQSource, domain.SeverityMedium,
		fmt.Sprintf("%d pending dead letters (threshold %d)", n, w.cfg.DLQThreshold), detail)
	if err != nil {
		return err
	}
	if in != nil {
		sum.IncidentsCreated++
	}
	return nil
}

// raise creates an incident unless one from the same source is inside the cooldown.
// A nil incident with nil error means it was suppressed.
func (w *Watchdog) raise(ctx context.Context, now time.Time, source string, sev domain.Severity, summary string, detail json.RawMessage) (*domain.Incident, error) {
	if w.cfg.Cooldown > 0 {
		last, ok, err := w.store.LastIncidentAt(ctx, source)
		if err != nil {
			return nil, errors.Wrap(err, "last incident")
		}
		if ok && now.Sub(last) < w.cfg.Cooldown {
			return nil, nil
		}
	}
	in := &domain.Incident{
		ID:        uuid.NewString(),
		Severity:  sev,
		Source:    source,
		Summary:   summary,
		Detail:    detail,
		CreatedAt: now,
	}
	if err := w.store.CreateIncident(ctx, in); err != nil {
		return nil, errors.Wrap(err, "create incident")
	}
	w.log.Warn("incident raised",
		zap.String("incident_id", in.ID),
		zap.String("severity", string(sev)),
		zap.String("source", source),
		zap.String("summary", summary),
	)
	return in, nil
}

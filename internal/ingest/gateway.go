// Package ingest validates and persists new jobs. Deduplication by idempotency key
// relies on the store's unique constraint: insert first, look up on conflict.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

const DefaultMaxAttempts = 3

type Store interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Job, error)
}

type FlagSource interface {
	Load(ctx context.Context) domain.ControlFlags
}

type PoolResolver interface {
	Resolve(ctx context.Context, topic string) string
}

// Notifier wakes idle workers; failures only delay pickup.
type Notifier interface {
	Signal(ctx context.Context, pool string, jobID string) error
}

type Request struct {
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	TenantID       string          `json:"tenant_id"`
	Region         string          `json:"region,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

type Result struct {
	ID        string        `json:"id"`
	Status    domain.Status `json:"status"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

type Gateway struct {
	store       Store
	flags       FlagSource
	pools       PoolResolver
	notify      Notifier
	log         *zap.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Gateway)

func WithNotifier(n Notifier) Option { return func(g *Gateway) { g.notify = n } }

func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// WithDefaultMaxAttempts sets max_attempts for requests that leave it unset.
func WithDefaultMaxAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func New(store Store, flags FlagSource, pools PoolResolver, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		flags:       flags,
		pools:       pools,
		log:         log,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Enqueue(ctx context.Context, req Request) (Result, error) {
	return g.EnqueueWith(ctx, g.flags.Load(ctx), req)
}

// EnqueueWith enqueues under an already loaded flag snapshot.
func (g *Gateway) EnqueueWith(ctx context.Context, flags domain.ControlFlags, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = g.maxAttempts
	}

	if flags.WriteFreeze {
		if req.IdempotencyKey != "" {
			if j, err := g.store.GetJobByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err == nil {
				return Result{ID: j.ID, Status: j.Status, Duplicate: true}, nil
			}
		}
		return Result{}, domain.ErrWriteFrozen
	}

	j := g.build(ctx, req)
	err := g.store.InsertJob(ctx, j)
	if errors.Is(err, domain.ErrDuplicate) && req.IdempotencyKey != "" {
		existing, lerr := g.store.GetJobByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
		switch {
		case lerr == nil:
			return Result{ID: existing.ID, Status: existing.Status, Duplicate: true}, nil
		case errors.Is(lerr, domain.ErrNotFound):
			// The holder of the key was dead-lettered between our insert and lookup.
			j = g.build(ctx, req)
			err = g.store.InsertJob(ctx, j)
		default:
			return Result{}, errors.Wrap(lerr, "enqueue: lookup duplicate")
		}
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "enqueue")
	}

	g.signal(ctx, j)
	g.log.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("tenant_id", j.TenantID),
		zap.String("topic", j.Topic),
		zap.String("pool", j.Pool),
	)
	return Result{ID: j.ID, Status: j.Status}, nil
}

func (g *Gateway) build(ctx context.Context, req Request) *domain.Job {
	now := g.now().UTC()
	j := &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		Region:      req.Region,
		Pool:        g.pools.Resolve(ctx, req.Topic),
		Topic:       req.Topic,
		Payload:     req.Payload,
		Status:      domain.Queued,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		j.IdempotencyKey = &k
	}
	return j
}

func (g *Gateway) signal(ctx context.Context, j *domain.Job) {
	if g.notify == nil {
		return
	}
	if err := g.notify.Signal(ctx, j.Pool, j.ID); err != nil {
		g.log.Warn("ready signal failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Topic) == "" {
		return &domain.ValidationError{Field: "topic", Reason: "required"}
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return &domain.ValidationError{Field: "tenant_id", Reason: "required"}
	}
	p := bytes.TrimSpace(req.Payload)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return &domain.ValidationError{Field: "payload", Reason: "required"}
	}
	if !json.Valid(p) {
		return &domain.ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if req.MaxAttempts < 0 {
		return &domain.ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	return nil
}

// Package claim leases queued jobs to workers under the admission checks: control
// flags first, then pool capacity, then a compare-and-swap on the job row.
package claim

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store interface {
	ListClaimable(ctx context.Context, f domain.ClaimFilter) ([]*domain.Job, error)
	AcquireLease(ctx context.Context, req domain.LeaseRequest) (*domain.Job, error)
}

type FlagSource interface {
	Load(ctx context.Context) domain.ControlFlags
}

type Admitter interface {
	CanAdmit(ctx context.Context, pool string, burstOverride bool) (bool, error)
}

// Classifier reports whether a topic's handler mutates state.
type Classifier interface {
	Mutates(topic string) bool
}

const (
	DefaultLeaseTTL  = 30 * time.Second
	DefaultScanLimit = 32
	// rounds bounds restarts from the queue head after losing candidates to other claimers.
	rounds = 3
)

type Claimer struct {
	store    Store
	flags    FlagSource
	gov      Admitter
	topics   Classifier
	log      *zap.Logger
	now      func() time.Time
	leaseTTL time.Duration
	scan     int
}

type Option func(*Claimer)

func WithClock(now func() time.Time) Option { return func(c *Claimer) { c.now = now } }

func WithScanLimit(n int) Option {
	return func(c *Claimer) {
		if n > 0 {
			c.scan = n
		}
	}
}

func New(store Store, flags FlagSource, gov Admitter, topics Classifier, leaseTTL time.Duration, log *zap.Logger, opts ...Option) *Claimer {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	c := &Claimer{
		store:    store,
		flags:    flags,
		gov:      gov,
		topics:   topics,
		log:      log,
		now:      time.Now,
		leaseTTL: leaseTTL,
		scan:     DefaultScanLimit,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Claim leases the oldest eligible job for owner, optionally restricted to pool.
// It returns nil with no error when nothing is eligible.
func (c *Claimer) Claim(ctx context.Context, owner, pool string) (*domain.Job, error) {
	return c.ClaimWith(ctx, c.flags.Load(ctx), owner, pool)
}

// ClaimWith is Claim under an already loaded flag snapshot.
func (c *Claimer) ClaimWith(ctx context.Context, flags domain.ControlFlags, owner, pool string) (*domain.Job, error) {
	if flags.GlobalPause {
		return nil, nil
	}
	filter := domain.ClaimFilter{
		Pool:           pool,
		ExcludeTenants: flags.Paused(domain.ScopeTenant),
		ExcludeTopics:  flags.Paused(domain.ScopeTopic),
		ExcludeRegions: flags.Paused(domain.ScopeRegion),
		ExcludePools:   flags.Paused(domain.ScopePool),
		Limit:          c.scan,
	}
	full := make(map[string]bool)

	for round := 0; round < rounds; round++ {
		filter.After = nil
		leased, lost, err := c.scanAll(ctx, flags, filter, owner, pool, full)
		if err != nil || leased != nil || lost == 0 {
			return leased, err
		}
	}
	return nil, nil
}

// scanAll pages through every candidate in claim order until one is leased. Pools
// found full are excluded from later pages.
func (c *Claimer) scanAll(ctx context.Context, flags domain.ControlFlags, filter domain.ClaimFilter, owner, pool string, full map[string]bool) (*domain.Job, int, error) {
	lost := 0
	for {
		candidates, err := c.store.ListClaimable(ctx, filter)
		if err != nil {
			return nil, lost, errors.Wrap(err, "claim: list candidates")
		}
		for _, j := range candidates {
			if full[j.Pool] {
				continue
			}
			if flags.WriteFreeze && c.topics.Mutates(j.Topic) {
				continue
			}
			ok, err := c.gov.CanAdmit(ctx, j.Pool, flags.BurstOverride)
			if err != nil {
				return nil, lost, errors.Wrapf(err, "claim: pool %s", j.Pool)
			}
			if !ok {
				if pool != "" {
					return nil, 0, nil
				}
				full[j.Pool] = true
				filter.ExcludePools = append(filter.ExcludePools, j.Pool)
				continue
			}

			leased, err := c.store.AcquireLease(ctx, domain.LeaseRequest{
				JobID:         j.ID,
				Owner:         owner,
				ExpiresAt:     c.now().UTC().Add(c.leaseTTL),
				BurstOverride: flags.BurstOverride,
			})
			switch {
			case err == nil:
				c.log.Debug("job leased",
					zap.String("job_id", leased.ID),
					zap.String("owner", owner),
					zap.String("pool", leased.Pool),
				)
				return leased, 0, nil
			case errors.Is(err, domain.ErrLeaseLost):
				lost++
			case errors.Is(err, domain.ErrPoolAtCapacity):
				if pool != "" {
					return nil, 0, nil
				}
				full[j.Pool] = true
				filter.ExcludePools = append(filter.ExcludePools, j.Pool)
			default:
				return nil, lost, errors.Wrapf(err, "claim: lease job %s", j.ID)
			}
		}
		if len(candidates) < filter.Limit {
			return nil, lost, nil
		}
		filter.After = domain.CursorOf(candidates[len(candidates)-1])
	}
}

// Package memory is an in-process implementation of every store contract, with the
// same compare-and-swap semantics as the Postgres store. Safe for concurrent use.
// Intended for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	jobs       map[string]*domain.Job
	keys       map[string]string
	dlq        map[string]*domain.DeadLetterEntry
	heartbeats map[string]domain.Heartbeat
	flags      *domain.ControlFlags
	scopes     map[domain.Scope]string
	pools      map[string]domain.WorkerPool
	incidents  []domain.Incident
	events     []domain.ControlEvent
	faults     map[string]error
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		jobs:       make(map[string]*domain.Job),
		keys:       make(map[string]string),
		dlq:        make(map[string]*domain.DeadLetterEntry),
		heartbeats: make(map[string]domain.Heartbeat),
		scopes:     make(map[domain.Scope]string),
		pools:      make(map[string]domain.WorkerPool),
		faults:     make(map[string]error),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailOn makes every call of op return err until cleared with a nil err. "*" matches all ops.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *Store) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return &domain.StoreError{Op: op, Err: err}
	}
	if err, ok := s.faults["*"]; ok {
		return &domain.StoreError{Op: op, Err: err}
	}
	return nil
}

func keyOf(tenant, key string) string { return tenant + "\x00" + key }

func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

// ---- jobs ----

func (s *Store) InsertJob(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InsertJob"); err != nil {
		return err
	}
	if _, ok := s.jobs[j.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "job %s", j.ID)
	}
	if j.IdempotencyKey != nil {
		k := keyOf(j.TenantID, *j.IdempotencyKey)
		if _, ok := s.keys[k]; ok {
			return errors.Wrapf(domain.ErrDuplicate, "idempotency key %s", *j.IdempotencyKey)
		}
		s.keys[k] = j.ID
	}
	cp := copyJob(j)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[j.ID] = cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetJob"); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return copyJob(j), nil
}

func (s *Store) GetJobByIdempotencyKey(_ context.Context, tenantID, key string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetJobByIdempotencyKey"); err != nil {
		return nil, err
	}
	id, ok := s.keys[keyOf(tenantID, key)]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "idempotency key %s", key)
	}
	return copyJob(s.jobs[id]), nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (s *Store) ListClaimable(_ context.Context, f domain.ClaimFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListClaimable"); err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.Queued {
			continue
		}
		if f.Pool != "" && j.Pool != f.Pool {
			continue
		}
		if contains(f.ExcludeTenants, j.TenantID) || contains(f.ExcludeTopics, j.Topic) ||
			contains(f.ExcludeRegions, j.Region) || contains(f.ExcludePools, j.Pool) {
			continue
		}
		if !f.After.Past(j) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) AcquireLease(_ context.Context, req domain.LeaseRequest) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AcquireLease"); err != nil {
		return nil, err
	}
	j, ok := s.jobs[req.JobID]
	if !ok || j.Status != domain.Queued {
		return nil, errors.Wrapf(domain.ErrLeaseLost, "job %s", req.JobID)
	}
	p, counted := s.pools[j.Pool]
	if counted {
		if !p.CanAdmit(req.BurstOverride) {
			return nil, errors.Wrapf(domain.ErrPoolAtCapacity, "pool %s", j.Pool)
		}
		p.CurrentConcurrency++
		s.pools[j.Pool] = p
	}
	owner, expires := req.Owner, req.ExpiresAt
	j.Status = domain.Running
	j.LeaseOwner = &owner
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = s.now()
	return copyJob(j), nil
}

// held returns the job if rel still describes its live lease.
func (s *Store) held(rel domain.Release) (*domain.Job, error) {
	j, ok := s.jobs[rel.JobID]
	if !ok || j.Status != domain.Running || j.Owner() != rel.Owner || j.Attempts != rel.Attempts {
		return nil, errors.Wrapf(domain.ErrLeaseLost, "job %s", rel.JobID)
	}
	if rel.ExpiredBefore != nil && (j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(*rel.ExpiredBefore)) {
		return nil, errors.Wrapf(domain.ErrLeaseLost, "job %s lease renewed", rel.JobID)
	}
	return j, nil
}

func (s *Store) releaseSlot(pool string) {
	if p, ok := s.pools[pool]; ok && p.CurrentConcurrency > 0 {
		p.CurrentConcurrency--
		s.pools[pool] = p
	}
}

func (s *Store) CompleteJob(_ context.Context, rel domain.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CompleteJob"); err != nil {
		return err
	}
	j, err := s.held(rel)
	if err != nil {
		return err
	}
	j.Status = domain.Done
	j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	j.UpdatedAt = s.now()
	s.releaseSlot(j.Pool)
	return nil
}

func (s *Store) RequeueJob(_ context.Context, rel domain.Release, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RequeueJob"); err != nil {
		return err
	}
	j, err := s.held(rel)
	if err != nil {
		return err
	}
	if attempts <= j.Attempts {
		return errors.Errorf("requeue job %s: attempts must increase (%d -> %d)", j.ID, j.Attempts, attempts)
	}
	j.Status = domain.Queued
	j.Attempts = attempts
	j.LastError = &lastErr
	j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	j.UpdatedAt = s.now()
	s.releaseSlot(j.Pool)
	return nil
}

func (s *Store) DeadLetterJob(_ context.Context, rel domain.Release, e *domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("DeadLetterJob"); err != nil {
		return err
	}
	j, err := s.held(rel)
	if err != nil {
		return err
	}
	cp := *e
	s.dlq[e.ID] = &cp
	s.deleteJob(j)
	s.releaseSlot(j.Pool)
	return nil
}

func (s *Store) deleteJob(j *domain.Job) {
	if j.IdempotencyKey != nil {
		delete(s.keys, keyOf(j.TenantID, *j.IdempotencyKey))
	}
	delete(s.jobs, j.ID)
}

func (s *Store) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListExpiredLeases"); err != nil {
		return nil, err
	}
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.LeaseExpired(now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].LeaseExpiresAt.Before(*out[b].LeaseExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountJobs(_ context.Context) ([]domain.JobCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CountJobs"); err != nil {
		return nil, err
	}
	type k struct {
		pool   string
		status domain.Status
	}
	counts := make(map[k]int64)
	for _, j := range s.jobs {
		counts[k{j.Pool, j.Status}]++
	}
	out := make([]domain.JobCount, 0, len(counts))
	for key, n := range counts {
		out = append(out, domain.JobCount{Pool: key.pool, Status: key.status, Count: n})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Pool != out[b].Pool {
			return out[a].Pool < out[b].Pool
		}
		return out[a].Status < out[b].Status
	})
	return out, nil
}

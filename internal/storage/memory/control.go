package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

// ---- control flags ----

func (s *Store) LoadControlFlags(_ context.Context) (domain.ControlFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("LoadControlFlags"); err != nil {
		return domain.ControlFlags{}, err
	}
	f := domain.DefaultControlFlags()
	if s.flags != nil {
		f = *s.flags
	}
	f.ScopedPauses = s.scopedPauses()
	return f, nil
}

func (s *Store) scopedPauses() []domain.Scope {
	out := make([]domain.Scope, 0, len(s.scopes))
	for sc := range s.scopes {
		out = append(out, sc)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		return out[a].Key < out[b].Key
	})
	return out
}

func (s *Store) UpdateControlFlags(_ context.Context, u domain.GlobalUpdate) (domain.ControlFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpdateControlFlags"); err != nil {
		return domain.ControlFlags{}, err
	}
	f := domain.DefaultControlFlags()
	if s.flags != nil {
		f = *s.flags
	}
	u.Apply(&f)
	s.flags = &f
	f.ScopedPauses = s.scopedPauses()
	return f, nil
}

func (s *Store) SetScopePause(_ context.Context, sc domain.Scope, paused bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetScopePause"); err != nil {
		return err
	}
	if paused {
		s.scopes[sc] = reason
	} else {
		delete(s.scopes, sc)
	}
	return nil
}

func (s *Store) AppendControlEvent(_ context.Context, e *domain.ControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendControlEvent"); err != nil {
		return err
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ListControlEvents(_ context.Context, limit int) ([]domain.ControlEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListControlEvents"); err != nil {
		return nil, err
	}
	return newestFirst(s.events, limit), nil
}

// ---- pools ----

func (s *Store) GetPool(_ context.Context, name string) (domain.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetPool"); err != nil {
		return domain.WorkerPool{}, err
	}
	p, ok := s.pools[name]
	if !ok {
		return domain.WorkerPool{}, errors.Wrapf(domain.ErrNotFound, "pool %s", name)
	}
	return p, nil
}

func (s *Store) ListPools(_ context.Context) ([]domain.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListPools"); err != nil {
		return nil, err
	}
	out := make([]domain.WorkerPool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Pool < out[b].Pool })
	return out, nil
}

// UpsertPool writes the pool's configuration, keeping the live concurrency count.
func (s *Store) UpsertPool(_ context.Context, p domain.WorkerPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertPool"); err != nil {
		return err
	}
	if prev, ok := s.pools[p.Pool]; ok {
		p.CurrentConcurrency = prev.CurrentConcurrency
	}
	p.ConfiguredMax = p.MaxConcurrency
	s.pools[p.Pool] = p
	return nil
}

func (s *Store) SetPoolMaxConcurrency(_ context.Context, name string, value int) (domain.WorkerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SetPoolMaxConcurrency"); err != nil {
		return domain.WorkerPool{}, err
	}
	p, ok := s.pools[name]
	if !ok {
		return domain.WorkerPool{}, errors.Wrapf(domain.ErrNotFound, "pool %s", name)
	}
	if value < p.MinConcurrency || value > p.Ceiling() {
		return domain.WorkerPool{}, errors.Wrapf(domain.ErrInvalidConcurrency, "pool %s: %d outside [%d, %d]", name, value, p.MinConcurrency, p.Ceiling())
	}
	p.MaxConcurrency = value
	s.pools[name] = p
	return p, nil
}

// ---- incidents ----

func (s *Store) CreateIncident(_ context.Context, in *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateIncident"); err != nil {
		return err
	}
	s.incidents = append(s.incidents, *in)
	return nil
}

func (s *Store) LastIncidentAt(_ context.Context, source string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("LastIncidentAt"); err != nil {
		return time.Time{}, false, err
	}
	var last time.Time
	found := false
	for _, in := range s.incidents {
		if in.Source == source && (!found || in.CreatedAt.After(last)) {
			last, found = in.CreatedAt, true
		}
	}
	return last, found, nil
}

func (s *Store) ListIncidents(_ context.Context, limit int) ([]domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListIncidents"); err != nil {
		return nil, err
	}
	return newestFirst(s.incidents, limit), nil
}

func newestFirst[T any](in []T, limit int) []T {
	out := make([]T, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		out = append(out, in[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

func copyEntry(e *domain.DeadLetterEntry) *domain.DeadLetterEntry {
	cp := *e
	return &cp
}

func sortEntries(out []*domain.DeadLetterEntry) {
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RetryAfter.Equal(out[b].RetryAfter) {
			return out[a].RetryAfter.Before(out[b].RetryAfter)
		}
		return out[a].ID < out[b].ID
	})
}

func (s *Store) ListReadyDeadLetters(_ context.Context, now time.Time, limit int) ([]*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListReadyDeadLetters"); err != nil {
		return nil, err
	}
	var out []*domain.DeadLetterEntry
	for _, e := range s.dlq {
		if e.Status == domain.DLQPending && !e.RetryAfter.After(now) {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDeadLetters(_ context.Context, opts domain.DLQListOpts) ([]*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListDeadLetters"); err != nil {
		return nil, err
	}
	var out []*domain.DeadLetterEntry
	for _, e := range s.dlq {
		if opts.Status == "" || e.Status == opts.Status {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GetDeadLetter"); err != nil {
		return nil, err
	}
	e, ok := s.dlq[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "dead letter %s", id)
	}
	return copyEntry(e), nil
}

func (s *Store) CountDeadLetters(_ context.Context, status domain.DLQStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CountDeadLetters"); err != nil {
		return 0, err
	}
	var n int64
	for _, e := range s.dlq {
		if status == "" || e.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) pending(id string) (*domain.DeadLetterEntry, error) {
	e, ok := s.dlq[id]
	if !ok || e.Status != domain.DLQPending {
		return nil, errors.Wrapf(domain.ErrNotFound, "pending dead letter %s", id)
	}
	return e, nil
}

func (s *Store) MarkPermanentFailure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("MarkPermanentFailure"); err != nil {
		return err
	}
	e, err := s.pending(id)
	if err != nil {
		return err
	}
	e.Status = domain.DLQPermanentFailure
	e.UpdatedAt = s.now()
	return nil
}

func (s *Store) ReplayDeadLetter(_ context.Context, id string, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ReplayDeadLetter"); err != nil {
		return err
	}
	if _, err := s.pending(id); err != nil {
		return err
	}
	if _, ok := s.jobs[j.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "job %s", j.ID)
	}
	cp := copyJob(j)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[j.ID] = cp
	delete(s.dlq, id)
	return nil
}

func (s *Store) RecordReplayFailure(_ context.Context, id string, attempts int, retryAfter time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RecordReplayFailure"); err != nil {
		return err
	}
	e, err := s.pending(id)
	if err != nil {
		return err
	}
	e.Attempts = attempts
	e.RetryAfter = retryAfter
	e.LastError = lastErr
	e.UpdatedAt = s.now()
	return nil
}

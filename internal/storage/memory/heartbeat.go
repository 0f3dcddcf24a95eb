package memory

import (
	"context"
	"sort"
	"time"

	"github.com/SirClappington/jobcore/internal/domain"
)

// UpsertHeartbeat stores hb unless a newer beat for the worker is already recorded.
func (s *Store) UpsertHeartbeat(_ context.Context, hb domain.Heartbeat) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("UpsertHeartbeat"); err != nil {
		return false, err
	}
	if prev, ok := s.heartbeats[hb.WorkerID]; ok && !prev.LastBeat.Before(hb.LastBeat) {
		return false, nil
	}
	s.heartbeats[hb.WorkerID] = hb
	return true, nil
}

func (s *Store) ListStaleHeartbeats(_ context.Context, before time.Time) ([]domain.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListStaleHeartbeats"); err != nil {
		return nil, err
	}
	var out []domain.Heartbeat
	for _, hb := range s.heartbeats {
		if hb.LastBeat.Before(before) {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].WorkerID < out[b].WorkerID })
	return out, nil
}

// PutHeartbeat writes a raw row, bypassing monotonicity; used to seed fixtures.
func (s *Store) PutHeartbeat(hb domain.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[hb.WorkerID] = hb
}

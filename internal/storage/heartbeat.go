package storage

import (
	"context"
	"time"

	"github.com/SirClappington/jobcore/internal/domain"
)

// UpsertHeartbeat writes hb unless the stored beat is at least as recent.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb domain.Heartbeat) (bool, error) {
	tag, err := s.db.Exec(ctx, `insert into heartbeats(worker_id, pool, region, last_beat, load_pct, version)
values ($1,$2,$3,$4,$5,$6)
on conflict (worker_id) do update
   set pool = excluded.pool, region = excluded.region, last_beat = excluded.last_beat,
       load_pct = excluded.load_pct, version = excluded.version
 where heartbeats.last_beat < excluded.last_beat`,
		hb.WorkerID, hb.Pool, hb.Region, hb.LastBeat, hb.LoadPct, hb.Version)
	if err != nil {
		return false, storeErr("upsert heartbeat", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListStaleHeartbeats(ctx context.Context, before time.Time) ([]domain.Heartbeat, error) {
	rows, err := s.db.Query(ctx, `select worker_id, pool, region, last_beat, load_pct, version
from heartbeats where last_beat < $1 order by worker_id`, before)
	if err != nil {
		return nil, storeErr("list stale heartbeats", err)
	}
	defer rows.Close()
	var out []domain.Heartbeat
	for rows.Next() {
		var hb domain.Heartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.Pool, &hb.Region, &hb.LastBeat, &hb.LoadPct, &hb.Version); err != nil {
			return nil, storeErr("list stale heartbeats", err)
		}
		out = append(out, hb)
	}
	return out, storeErr("list stale heartbeats", rows.Err())
}

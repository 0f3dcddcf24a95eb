package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

// ---- control flags ----

// LoadControlFlags reads the single flag row and all scoped pauses. A missing flag
// row reads as the defaults.
func (s *Store) LoadControlFlags(ctx context.Context) (domain.ControlFlags, error) {
	f := domain.DefaultControlFlags()
	err := s.db.QueryRow(ctx, `select global_pause, write_freeze, external_calls_enabled, burst_override
from control_flags where id = 1`).Scan(&f.GlobalPause, &f.WriteFreeze, &f.ExternalCallsEnabled, &f.BurstOverride)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.ControlFlags{}, storeErr("load control flags", err)
	}
	scopes, err := s.scopedPauses(ctx)
	if err != nil {
		return domain.ControlFlags{}, err
	}
	f.ScopedPauses = scopes
	return f, nil
}

func (s *Store) scopedPauses(ctx context.Context) ([]domain.Scope, error) {
	rows, err := s.db.Query(ctx, `select scope_type, scope_key from control_scopes order by scope_type, scope_key`)
	if err != nil {
		return nil, storeErr("load scoped pauses", err)
	}
	defer rows.Close()
	out := []domain.Scope{}
	for rows.Next() {
		var sc domain.Scope
		var st string
		if err := rows.Scan(&st, &sc.Key); err != nil {
			return nil, storeErr("load scoped pauses", err)
		}
		sc.Type = domain.ScopeType(st)
		out = append(out, sc)
	}
	return out, storeErr("load scoped pauses", rows.Err())
}

// UpdateControlFlags applies u to the flag row, creating it from the defaults if absent.
func (s *Store) UpdateControlFlags(ctx context.Context, u domain.GlobalUpdate) (domain.ControlFlags, error) {
	d := domain.DefaultControlFlags()
	_, err := s.db.Exec(ctx, `insert into control_flags(id, global_pause, write_freeze, external_calls_enabled, burst_override, updated_at)
values (1, coalesce($1::boolean, $5::boolean), coalesce($2::boolean, $6::boolean),
        coalesce($3::boolean, $7::boolean), coalesce($4::boolean, $8::boolean), now())
on conflict (id) do update set
  global_pause = coalesce($1, control_flags.global_pause),
  write_freeze = coalesce($2, control_flags.write_freeze),
  external_calls_enabled = coalesce($3, control_flags.external_calls_enabled),
  burst_override = coalesce($4, control_flags.burst_override),
  updated_at = now()`,
		u.GlobalPause, u.WriteFreeze, u.ExternalCallsEnabled, u.BurstOverride,
		d.GlobalPause, d.WriteFreeze, d.ExternalCallsEnabled, d.BurstOverride)
	if err != nil {
		return domain.ControlFlags{}, storeErr("update control flags", err)
	}
	return s.LoadControlFlags(ctx)
}

func (s *Store) SetScopePause(ctx context.Context, sc domain.Scope, paused bool, reason string) error {
	var err error
	if paused {
		_, err = s.db.Exec(ctx, `insert into control_scopes(scope_type, scope_key, reason, created_at)
values ($1, $2, $3, now())
on conflict (scope_type, scope_key) do update set reason = excluded.reason`, string(sc.Type), sc.Key, reason)
	} else {
		_, err = s.db.Exec(ctx, `delete from control_scopes where scope_type = $1 and scope_key = $2`, string(sc.Type), sc.Key)
	}
	return storeErr("set scope pause", err)
}

func (s *Store) AppendControlEvent(ctx context.Context, e *domain.ControlEvent) error {
	_, err := s.db.Exec(ctx, `insert into control_events(id, level, key, action, reason, requested_by, created_at)
values ($1,$2,$3,$4,$5,$6,$7)`, e.ID, e.Level, e.Key, e.Action, e.Reason, e.RequestedBy, e.CreatedAt)
	return storeErr("append control event", err)
}

func (s *Store) ListControlEvents(ctx context.Context, limit int) ([]domain.ControlEvent, error) {
	rows, err := s.db.Query(ctx, `select id, level, key, action, reason, requested_by, created_at
from control_events order by created_at desc limit $1`, limitOrAll(limit))
	if err != nil {
		return nil, storeErr("list control events", err)
	}
	defer rows.Close()
	out := []domain.ControlEvent{}
	for rows.Next() {
		var e domain.ControlEvent
		if err := rows.Scan(&e.ID, &e.Level, &e.Key, &e.Action, &e.Reason, &e.RequestedBy, &e.CreatedAt); err != nil {
			return nil, storeErr("list control events", err)
		}
		out = append(out, e)
	}
	return out, storeErr("list control events", rows.Err())
}

// limitOrAll maps a non-positive limit to SQL "limit all".
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// ---- pools ----

const poolColumns = `pool, min_concurrency, max_concurrency, burst_concurrency, current_concurrency, topic_glob,
	configured_max_concurrency`

func scanPool(row pgx.Row) (domain.WorkerPool, error) {
	var p domain.WorkerPool
	err := row.Scan(&p.Pool, &p.MinConcurrency, &p.MaxConcurrency, &p.BurstConcurrency, &p.CurrentConcurrency, &p.TopicGlob,
		&p.ConfiguredMax)
	return p, err
}

func (s *Store) GetPool(ctx context.Context, name string) (domain.WorkerPool, error) {
	p, err := scanPool(s.db.QueryRow(ctx, `select `+poolColumns+` from worker_pools where pool = $1`, name))
	if err != nil {
		return domain.WorkerPool{}, storeErr("get pool "+name, err)
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]domain.WorkerPool, error) {
	rows, err := s.db.Query(ctx, `select `+poolColumns+` from worker_pools order by pool`)
	if err != nil {
		return nil, storeErr("list pools", err)
	}
	defer rows.Close()
	out := []domain.WorkerPool{}
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, storeErr("list pools", err)
		}
		out = append(out, p)
	}
	return out, storeErr("list pools", rows.Err())
}

// UpsertPool writes the pool's configuration, keeping the live concurrency count.
func (s *Store) UpsertPool(ctx context.Context, p domain.WorkerPool) error {
	_, err := s.db.Exec(ctx, `insert into worker_pools(`+poolColumns+`)
values ($1,$2,$3,$4,$5,$6,$3)
on conflict (pool) do update set
  min_concurrency = excluded.min_concurrency,
  max_concurrency = excluded.max_concurrency,
  burst_concurrency = excluded.burst_concurrency,
  topic_glob = excluded.topic_glob,
  configured_max_concurrency = excluded.max_concurrency`,
		p.Pool, p.MinConcurrency, p.MaxConcurrency, p.BurstConcurrency, p.CurrentConcurrency, p.TopicGlob)
	return storeErr("upsert pool", err)
}

// SetPoolMaxConcurrency sets max_concurrency if value is within [min, Ceiling()] at
// the time of the write. configured_max_concurrency is left as configured.
func (s *Store) SetPoolMaxConcurrency(ctx context.Context, name string, value int) (domain.WorkerPool, error) {
	p, err := scanPool(s.db.QueryRow(ctx, `update worker_pools
   set max_concurrency = $2
 where pool = $1 and $2 >= min_concurrency
   and $2 <= greatest(configured_max_concurrency, max_concurrency, burst_concurrency)
returning `+poolColumns, name, value))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkerPool{}, storeErr("set pool concurrency", err)
	}
	if _, gerr := s.GetPool(ctx, name); gerr != nil {
		return domain.WorkerPool{}, gerr
	}
	return domain.WorkerPool{}, errors.Wrapf(domain.ErrInvalidConcurrency, "pool %s: %d", name, value)
}

// ---- incidents ----

func (s *Store) CreateIncident(ctx context.Context, in *domain.Incident) error {
	detail := []byte(in.Detail)
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `insert into incidents(id, tenant_id, severity, source, summary, detail, created_at)
values ($1,$2,$3,$4,$5,$6,$7)`, in.ID, in.TenantID, string(in.Severity), in.Source, in.Summary, detail, in.CreatedAt)
	return storeErr("create incident", err)
}

func (s *Store) LastIncidentAt(ctx context.Context, source string) (time.Time, bool, error) {
	var last *time.Time
	if err := s.db.QueryRow(ctx, `select max(created_at) from incidents where source = $1`, source).Scan(&last); err != nil {
		return time.Time{}, false, storeErr("last incident", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

func (s *Store) ListIncidents(ctx context.Context, limit int) ([]domain.Incident, error) {
	rows, err := s.db.Query(ctx, `select id, tenant_id, severity, source, summary, detail, created_at
from incidents order by created_at desc limit $1`, limitOrAll(limit))
	if err != nil {
		return nil, storeErr("list incidents", err)
	}
	defer rows.Close()
	out := []domain.Incident{}
	for rows.Next() {
		var (
			in     domain.Incident
			sev    string
			detail []byte
		)
		if err := rows.Scan(&in.ID, &in.TenantID, &sev, &in.Source, &in.Summary, &detail, &in.CreatedAt); err != nil {
			return nil, storeErr("list incidents", err)
		}
		in.Severity = domain.Severity(sev)
		in.Detail = detail
		out = append(out, in)
	}
	return out, storeErr("list incidents", rows.Err())
}

// Package storage is the Postgres store: the source of truth for jobs, dead letters,
// heartbeats, control flags, pools and incidents. Every lease transition is a
// compare-and-swap on the job row, committed together with the pool counter change.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Connect opens a pool and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: open pool")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}
	return db, nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// storeErr classifies a driver error: unique violations become ErrDuplicate, missing
// rows ErrNotFound, anything else a StoreError (dependency failure).
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isDuplicateKey(err):
		return errors.Wrap(domain.ErrDuplicate, op)
	case errors.Is(err, pgx.ErrNoRows):
		return errors.Wrap(domain.ErrNotFound, op)
	}
	return &domain.StoreError{Op: op, Err: err}
}

// inTx runs fn in a transaction, rolling back on any error.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storeErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return storeErr(op, tx.Commit(ctx))
}

const jobColumns = `id, tenant_id, region, pool, topic, payload, idempotency_key, status,
	attempts, max_attempts, last_error, lease_owner, lease_expires_at, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		status  string
	)
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Region, &j.Pool, &j.Topic, &payload, &j.IdempotencyKey, &status,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LeaseOwner, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Status = domain.Status(status)
	return &j, nil
}

func collectJobs(op string, rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, j)
	}
	return out, storeErr(op, rows.Err())
}

// ---- jobs ----

func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	return insertJob(ctx, s.db, j)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertJob(ctx context.Context, db execer, j *domain.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `insert into jobs(
id, tenant_id, region, pool, topic, payload, idempotency_key, status,
attempts, max_attempts, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)`,
		j.ID, j.TenantID, j.Region, j.Pool, j.Topic, []byte(j.Payload), j.IdempotencyKey, string(j.Status),
		j.Attempts, j.MaxAttempts, j.CreatedAt,
	)
	return storeErr("insert job", err)
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil {
		return nil, storeErr("get job "+id, err)
	}
	return j, nil
}

func (s *Store) GetJobByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`select `+jobColumns+` from jobs where tenant_id = $1 and idempotency_key = $2`, tenantID, key))
	if err != nil {
		return nil, storeErr("get job by idempotency key", err)
	}
	return j, nil
}

// ListClaimable returns queued jobs in FIFO order. Empty exclusion lists match nothing.
func (s *Store) ListClaimable(ctx context.Context, f domain.ClaimFilter) ([]*domain.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		afterAt *time.Time
		afterID string
	)
	if f.After != nil {
		afterAt, afterID = &f.After.CreatedAt, f.After.ID
	}
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
where status = 'queued'
  and ($1 = '' or pool = $1)
  and not (tenant_id = any($2))
  and not (topic = any($3))
  and not (region = any($4))
  and not (pool = any($5))
  and ($7::timestamptz is null or (created_at, id) > ($7::timestamptz, $8::text))
order by created_at, id
limit $6`,
		f.Pool, nonNil(f.ExcludeTenants), nonNil(f.ExcludeTopics), nonNil(f.ExcludeRegions), nonNil(f.ExcludePools), limit,
		afterAt, afterID)
	if err != nil {
		return nil, storeErr("list claimable", err)
	}
	return collectJobs("list claimable", rows)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// AcquireLease moves a queued job to running and takes a slot in its pool, both or
// neither. A job already taken yields ErrLeaseLost; a full pool ErrPoolAtCapacity.
// Jobs whose pool has no row are not counted.
func (s *Store) AcquireLease(ctx context.Context, req domain.LeaseRequest) (*domain.Job, error) {
	var leased *domain.Job
	err := s.inTx(ctx, "acquire lease", func(tx pgx.Tx) error {
		var pool string
		err := tx.QueryRow(ctx,
			`select pool from jobs where id = $1 and status = 'queued' for update skip locked`, req.JobID).Scan(&pool)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrLeaseLost, "job %s", req.JobID)
		}
		if err != nil {
			return storeErr("acquire lease", err)
		}

		tag, err := tx.Exec(ctx, `update worker_pools
   set current_concurrency = current_concurrency + 1
 where pool = $1
   and current_concurrency < case when $2 and burst_concurrency > 0
                                  then burst_concurrency else max_concurrency end`, pool, req.BurstOverride)
		if err != nil {
			return storeErr("acquire lease", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `select exists(select 1 from worker_pools where pool = $1)`, pool).Scan(&exists); err != nil {
				return storeErr("acquire lease", err)
			}
			if exists {
				return errors.Wrapf(domain.ErrPoolAtCapacity, "pool %s", pool)
			}
		}

		leased, err = scanJob(tx.QueryRow(ctx, `update jobs
   set status = 'running', lease_owner = $2, lease_expires_at = $3, updated_at = now()
 where id = $1
returning `+jobColumns, req.JobID, req.Owner, req.ExpiresAt))
		return storeErr("acquire lease", err)
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// heldClause matches the live lease described by a Release ($1..$4).
const heldClause = `id = $1 and status = 'running' and lease_owner = $2 and attempts = $3
  and ($4::timestamptz is null or lease_expires_at < $4)`

func releaseArgs(rel domain.Release) []any {
	return []any{rel.JobID, rel.Owner, rel.Attempts, rel.ExpiredBefore}
}

func releaseSlot(ctx context.Context, tx pgx.Tx, pool string) error {
	_, err := tx.Exec(ctx,
		`update worker_pools set current_concurrency = greatest(current_concurrency - 1, 0) where pool = $1`, pool)
	return storeErr("release slot", err)
}

// settle applies a release transition whose statement returns the job's pool.
func (s *Store) settle(ctx context.Context, op string, rel domain.Release, sql string, args []any, then func(pgx.Tx) error) error {
	return s.inTx(ctx, op, func(tx pgx.Tx) error {
		var pool string
		err := tx.QueryRow(ctx, sql, args...).Scan(&pool)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrLeaseLost, "job %s", rel.JobID)
		}
		if err != nil {
			return storeErr(op, err)
		}
		if then != nil {
			if err := then(tx); err != nil {
				return err
			}
		}
		return releaseSlot(ctx, tx, pool)
	})
}

func (s *Store) CompleteJob(ctx context.Context, rel domain.Release) error {
	return s.settle(ctx, "complete job", rel, `update jobs
   set status = 'done', lease_owner = null, lease_expires_at = null, updated_at = now()
 where `+heldClause+`
returning pool`, releaseArgs(rel), nil)
}

func (s *Store) RequeueJob(ctx context.Context, rel domain.Release, attempts int, lastErr string) error {
	if attempts <= rel.Attempts {
		return errors.Errorf("requeue job %s: attempts must increase (%d -> %d)", rel.JobID, rel.Attempts, attempts)
	}
	args := append(releaseArgs(rel), attempts, lastErr)
	return s.settle(ctx, "requeue job", rel, `update jobs
   set status = 'queued', attempts = $5, last_error = $6,
       lease_owner = null, lease_expires_at = null, updated_at = now()
 where `+heldClause+`
returning pool`, args, nil)
}

func (s *Store) DeadLetterJob(ctx context.Context, rel domain.Release, e *domain.DeadLetterEntry) error {
	return s.settle(ctx, "dead-letter job", rel, `delete from jobs where `+heldClause+` returning pool`,
		releaseArgs(rel), func(tx pgx.Tx) error { return insertDeadLetter(ctx, tx, e) })
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
where status = 'running' and lease_expires_at < $1
order by lease_expires_at
limit $2`, now, limit)
	if err != nil {
		return nil, storeErr("list expired leases", err)
	}
	return collectJobs("list expired leases", rows)
}

func (s *Store) CountJobs(ctx context.Context) ([]domain.JobCount, error) {
	rows, err := s.db.Query(ctx, `select pool, status, count(*) from jobs group by pool, status order by pool, status`)
	if err != nil {
		return nil, storeErr("count jobs", err)
	}
	defer rows.Close()
	var out []domain.JobCount
	for rows.Next() {
		var c domain.JobCount
		var status string
		if err := rows.Scan(&c.Pool, &status, &c.Count); err != nil {
			return nil, storeErr("count jobs", err)
		}
		c.Status = domain.Status(status)
		out = append(out, c)
	}
	return out, storeErr("count jobs", rows.Err())
}

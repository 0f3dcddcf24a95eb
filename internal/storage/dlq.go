package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
)

const dlqColumns = `id, original_job_id, tenant_id, region, pool, topic, payload, max_attempts,
	attempts, retry_after, status, last_error, created_at, updated_at`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterEntry, error) {
	var (
		e       domain.DeadLetterEntry
		payload []byte
		status  string
	)
	err := row.Scan(
		&e.ID, &e.OriginalJobID, &e.Snapshot.TenantID, &e.Snapshot.Region, &e.Snapshot.Pool, &e.Snapshot.Topic,
		&payload, &e.Snapshot.MaxAttempts, &e.Attempts, &e.RetryAfter, &status, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Snapshot.Payload = payload
	e.Status = domain.DLQStatus(status)
	return &e, nil
}

func collectDeadLetters(op string, rows pgx.Rows) ([]*domain.DeadLetterEntry, error) {
	defer rows.Close()
	var out []*domain.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, e)
	}
	return out, storeErr(op, rows.Err())
}

func insertDeadLetter(ctx context.Context, db execer, e *domain.DeadLetterEntry) error {
	_, err := db.Exec(ctx, `insert into dead_letters(
id, original_job_id, tenant_id, region, pool, topic, payload, max_attempts,
attempts, retry_after, status, last_error, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)`,
		e.ID, e.OriginalJobID, e.Snapshot.TenantID, e.Snapshot.Region, e.Snapshot.Pool, e.Snapshot.Topic,
		[]byte(e.Snapshot.Payload), e.Snapshot.MaxAttempts, e.Attempts, e.RetryAfter, string(e.Status), e.LastError, e.CreatedAt,
	)
	return storeErr("insert dead letter", err)
}

func (s *Store) ListReadyDeadLetters(ctx context.Context, now time.Time, limit int) ([]*domain.DeadLetterEntry, error) {
	rows, err := s.db.Query(ctx, `select `+dlqColumns+` from dead_letters
where status = 'pending' and retry_after <= $1
order by retry_after, id
limit $2`, now, limit)
	if err != nil {
		return nil, storeErr("list ready dead letters", err)
	}
	return collectDeadLetters("list ready dead letters", rows)
}

func (s *Store) ListDeadLetters(ctx context.Context, opts domain.DLQListOpts) ([]*domain.DeadLetterEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `select `+dlqColumns+` from dead_letters
where ($1 = '' or status = $1)
order by retry_after, id
limit $2`, string(opts.Status), limit)
	if err != nil {
		return nil, storeErr("list dead letters", err)
	}
	return collectDeadLetters("list dead letters", rows)
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	e, err := scanDeadLetter(s.db.QueryRow(ctx, `select `+dlqColumns+` from dead_letters where id = $1`, id))
	if err != nil {
		return nil, storeErr("get dead letter "+id, err)
	}
	return e, nil
}

func (s *Store) CountDeadLetters(ctx context.Context, status domain.DLQStatus) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `select count(*) from dead_letters where ($1 = '' or status = $1)`, string(status)).Scan(&n)
	return n, storeErr("count dead letters", err)
}

func (s *Store) MarkPermanentFailure(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`update dead_letters set status = 'permanent_failure', updated_at = now() where id = $1 and status = 'pending'`, id)
	if err != nil {
		return storeErr("mark permanent failure", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "pending dead letter %s", id)
	}
	return nil
}

// ReplayDeadLetter inserts j and deletes the pending entry in one transaction.
func (s *Store) ReplayDeadLetter(ctx context.Context, id string, j *domain.Job) error {
	return s.inTx(ctx, "replay dead letter", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `delete from dead_letters where id = $1 and status = 'pending'`, id)
		if err != nil {
			return storeErr("replay dead letter", err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrNotFound, "pending dead letter %s", id)
		}
		return insertJob(ctx, tx, j)
	})
}

func (s *Store) RecordReplayFailure(ctx context.Context, id string, attempts int, retryAfter time.Time, lastErr string) error {
	tag, err := s.db.Exec(ctx, `update dead_letters
   set attempts = $2, retry_after = $3, last_error = $4, updated_at = now()
 where id = $1 and status = 'pending'`, id, attempts, retryAfter, lastErr)
	if err != nil {
		return storeErr("record replay failure", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "pending dead letter %s", id)
	}
	return nil
}

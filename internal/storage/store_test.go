package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/storage"
)

// newStore connects to JOBCORE_TEST_POSTGRES_DSN and migrates it; tests are skipped
// when the variable is unset. Every test works in its own tenant and pool.
func newStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := os.Getenv("JOBCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBCORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	sqldb, err := storage.OpenSQL(dsn)
	require.NoError(t, err)
	defer sqldb.Close()
	require.NoError(t, storage.Migrate(sqldb, "../../migrations", "up"))

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return storage.New(db)
}

func unique(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func newJob(tenant, pool string) *domain.Job {
	return &domain.Job{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		Pool:        pool,
		Topic:       "send_email",
		Payload:     json.RawMessage(`{"to":"a@example.com"}`),
		Status:      domain.Queued,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestInsertAndIdempotencyKey(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")

	key := "welcome-1"
	j := newJob(tenant, pool)
	j.IdempotencyKey = &key
	require.NoError(t, s.InsertJob(ctx, j))

	dup := newJob(tenant, pool)
	dup.IdempotencyKey = &key
	err := s.InsertJob(ctx, dup)
	assert.True(t, errors.Is(err, domain.ErrDuplicate), "got %v", err)

	other := newJob(unique("tenant"), pool)
	other.IdempotencyKey = &key
	require.NoError(t, s.InsertJob(ctx, other))

	got, err := s.GetJobByIdempotencyKey(ctx, tenant, key)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(got.Payload))

	_, err = s.GetJob(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func TestLeaseLifecycleHoldsPoolCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: pool, MinConcurrency: 1, MaxConcurrency: 1, BurstConcurrency: 2}))

	first, second := newJob(tenant, pool), newJob(tenant, pool)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	require.NoError(t, s.InsertJob(ctx, first))
	require.NoError(t, s.InsertJob(ctx, second))

	jobs, err := s.ListClaimable(ctx, domain.ClaimFilter{Pool: pool, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)

	exp := time.Now().Add(time.Minute)
	leased, err := s.AcquireLease(ctx, domain.LeaseRequest{JobID: first.ID, Owner: "w1", ExpiresAt: exp})
	require.NoError(t, err)
	assert.Equal(t, domain.Running, leased.Status)
	assert.Equal(t, "w1", leased.Owner())

	_, err = s.AcquireLease(ctx, domain.LeaseRequest{JobID: first.ID, Owner: "w2", ExpiresAt: exp})
	assert.True(t, errors.Is(err, domain.ErrLeaseLost), "got %v", err)

	_, err = s.AcquireLease(ctx, domain.LeaseRequest{JobID: second.ID, Owner: "w2", ExpiresAt: exp})
	assert.True(t, errors.Is(err, domain.ErrPoolAtCapacity), "got %v", err)

	_, err = s.AcquireLease(ctx, domain.LeaseRequest{JobID: second.ID, Owner: "w2", ExpiresAt: exp, BurstOverride: true})
	require.NoError(t, err)

	p, err := s.GetPool(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentConcurrency)

	err = s.CompleteJob(ctx, domain.Release{JobID: first.ID, Owner: "someone-else"})
	assert.True(t, errors.Is(err, domain.ErrLeaseLost), "got %v", err)

	require.NoError(t, s.CompleteJob(ctx, domain.Release{JobID: first.ID, Owner: "w1"}))
	require.NoError(t, s.RequeueJob(ctx, domain.Release{JobID: second.ID, Owner: "w2"}, 1, "boom"))

	p, err = s.GetPool(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 0, p.CurrentConcurrency)

	requeued, err := s.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Nil(t, requeued.LeaseOwner)
}

func TestListClaimablePagesByCursor(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")
	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 5; i++ {
		j := newJob(tenant, pool)
		j.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, s.InsertJob(ctx, j))
		ids = append(ids, j.ID)
	}

	page, err := s.ListClaimable(ctx, domain.ClaimFilter{Pool: pool, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	page, err = s.ListClaimable(ctx, domain.ClaimFilter{Pool: pool, Limit: 10, After: domain.CursorOf(page[1])})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)
}

func TestExpiredLeaseCutoff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")

	j := newJob(tenant, pool)
	require.NoError(t, s.InsertJob(ctx, j))
	_, err := s.AcquireLease(ctx, domain.LeaseRequest{JobID: j.ID, Owner: "w1", ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)

	expired, err := s.ListExpiredLeases(ctx, time.Now(), 1000)
	require.NoError(t, err)
	var found bool
	for _, e := range expired {
		found = found || e.ID == j.ID
	}
	assert.True(t, found)

	before := time.Now().Add(-time.Hour)
	err = s.RequeueJob(ctx, domain.Release{JobID: j.ID, Owner: "w1", ExpiredBefore: &before}, 1, "lease expired")
	assert.True(t, errors.Is(err, domain.ErrLeaseLost), "got %v", err)

	now := time.Now()
	require.NoError(t, s.RequeueJob(ctx, domain.Release{JobID: j.ID, Owner: "w1", ExpiredBefore: &now}, 1, "lease expired"))
}

func TestDeadLetterAndReplay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")

	j := newJob(tenant, pool)
	require.NoError(t, s.InsertJob(ctx, j))
	_, err := s.AcquireLease(ctx, domain.LeaseRequest{JobID: j.ID, Owner: "w1", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	now := time.Now().UTC()
	entry := &domain.DeadLetterEntry{
		ID:            uuid.NewString(),
		OriginalJobID: j.ID,
		Snapshot:      domain.SnapshotOf(j),
		RetryAfter:    now,
		Status:        domain.DLQPending,
		LastError:     "smtp down",
		CreatedAt:     now,
	}
	require.NoError(t, s.DeadLetterJob(ctx, domain.Release{JobID: j.ID, Owner: "w1"}, entry))

	_, err = s.GetJob(ctx, j.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	got, err := s.GetDeadLetter(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant, got.Snapshot.TenantID)
	assert.Equal(t, domain.DLQPending, got.Status)

	require.NoError(t, s.RecordReplayFailure(ctx, entry.ID, 1, now.Add(-time.Second), "still down"))
	ready, err := s.ListReadyDeadLetters(ctx, time.Now(), 1000)
	require.NoError(t, err)
	var found bool
	for _, e := range ready {
		found = found || e.ID == entry.ID
	}
	assert.True(t, found)

	fresh := newJob(tenant, pool)
	require.NoError(t, s.ReplayDeadLetter(ctx, entry.ID, fresh))
	_, err = s.GetDeadLetter(ctx, entry.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	err = s.MarkPermanentFailure(ctx, entry.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	replayed, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, replayed.Status)
	assert.Equal(t, 0, replayed.Attempts)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	worker := unique("worker")
	now := time.Now().UTC().Truncate(time.Millisecond)

	ok, err := s.UpsertHeartbeat(ctx, domain.Heartbeat{WorkerID: worker, LastBeat: now, LoadPct: 10})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpsertHeartbeat(ctx, domain.Heartbeat{WorkerID: worker, LastBeat: now.Add(-time.Minute), LoadPct: 90})
	require.NoError(t, err)
	assert.False(t, ok)

	stale, err := s.ListStaleHeartbeats(ctx, now.Add(time.Second))
	require.NoError(t, err)
	var got *domain.Heartbeat
	for i := range stale {
		if stale[i].WorkerID == worker {
			got = &stale[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 10.0, got.LoadPct)
	assert.WithinDuration(t, now, got.LastBeat, time.Millisecond)
}

func TestScopePausesAndPoolLimits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")

	sc := domain.Scope{Type: domain.ScopeTenant, Key: tenant}
	require.NoError(t, s.SetScopePause(ctx, sc, true, "noisy"))
	f, err := s.LoadControlFlags(ctx)
	require.NoError(t, err)
	assert.Contains(t, f.Paused(domain.ScopeTenant), tenant)

	require.NoError(t, s.SetScopePause(ctx, sc, false, ""))
	f, err = s.LoadControlFlags(ctx)
	require.NoError(t, err)
	assert.NotContains(t, f.Paused(domain.ScopeTenant), tenant)

	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: pool, MinConcurrency: 2, MaxConcurrency: 5, BurstConcurrency: 8}))
	p, err := s.SetPoolMaxConcurrency(ctx, pool, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, p.MaxConcurrency)

	_, err = s.SetPoolMaxConcurrency(ctx, pool, 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidConcurrency), "got %v", err)

	_, err = s.SetPoolMaxConcurrency(ctx, unique("pool"), 3)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func TestPoolMaxRaisesBackToConfigured(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	pool := unique("pool")
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: pool, MinConcurrency: 1, MaxConcurrency: 10}))

	p, err := s.SetPoolMaxConcurrency(ctx, pool, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxConcurrency)
	assert.Equal(t, 10, p.ConfiguredMax)

	p, err = s.SetPoolMaxConcurrency(ctx, pool, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, p.MaxConcurrency)

	_, err = s.SetPoolMaxConcurrency(ctx, pool, 11)
	assert.True(t, errors.Is(err, domain.ErrInvalidConcurrency), "got %v", err)
}

func TestBurstBelowMaxCapsLeases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tenant, pool := unique("tenant"), unique("pool")
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: pool, MaxConcurrency: 2, BurstConcurrency: 1}))

	first, second := newJob(tenant, pool), newJob(tenant, pool)
	require.NoError(t, s.InsertJob(ctx, first))
	require.NoError(t, s.InsertJob(ctx, second))

	exp := time.Now().Add(time.Minute)
	_, err := s.AcquireLease(ctx, domain.LeaseRequest{JobID: first.ID, Owner: "w1", ExpiresAt: exp, BurstOverride: true})
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, domain.LeaseRequest{JobID: second.ID, Owner: "w2", ExpiresAt: exp, BurstOverride: true})
	assert.True(t, errors.Is(err, domain.ErrPoolAtCapacity), "got %v", err)
	_, err = s.AcquireLease(ctx, domain.LeaseRequest{JobID: second.ID, Owner: "w2", ExpiresAt: exp})
	require.NoError(t, err)
}

func TestIncidentsBySource(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	source := unique("watchdog:worker")

	_, ok, err := s.LastIncidentAt(ctx, source)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateIncident(ctx, &domain.Incident{
		ID: uuid.NewString(), Severity: domain.SeverityHigh, Source: source, Summary: "stale", CreatedAt: at,
	}))

	last, ok, err := s.LastIncidentAt(ctx, source)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, at, last, time.Millisecond)
}

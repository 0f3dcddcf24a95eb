package claim_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/claim"
	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/executor"
	"github.com/SirClappington/jobcore/internal/governor"
	"github.com/SirClappington/jobcore/internal/storage/memory"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type staticFlags domain.ControlFlags

func (f staticFlags) Load(context.Context) domain.ControlFlags { return domain.ControlFlags(f) }

func newClaimer(s *memory.Store, flags domain.ControlFlags, reg *executor.Registry) *claim.Claimer {
	if reg == nil {
		reg = executor.NewRegistry()
	}
	return claim.New(s, staticFlags(flags), governor.New(s, zap.NewNop()), reg, time.Minute, zap.NewNop(),
		claim.WithClock(func() time.Time { return t0 }))
}

func enqueue(t *testing.T, s *memory.Store, j domain.Job) {
	t.Helper()
	if j.Pool == "" {
		j.Pool = domain.DefaultPool
	}
	if j.TenantID == "" {
		j.TenantID = "t1"
	}
	if j.Topic == "" {
		j.Topic = "send_email"
	}
	j.Payload = json.RawMessage(`{}`)
	j.Status = domain.Queued
	j.MaxAttempts = 3
	require.NoError(t, s.InsertJob(context.Background(), &j))
}

func TestClaimFIFOAndLeaseFields(t *testing.T) {
	s := memory.New()
	enqueue(t, s, domain.Job{ID: "second", CreatedAt: t0.Add(time.Second)})
	enqueue(t, s, domain.Job{ID: "first", CreatedAt: t0})
	c := newClaimer(s, domain.DefaultControlFlags(), nil)

	j, err := c.Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "first", j.ID)
	assert.Equal(t, domain.Running, j.Status)
	assert.Equal(t, "w1", j.Owner())
	assert.Equal(t, t0.Add(time.Minute), *j.LeaseExpiresAt)

	j, err = c.Claim(context.Background(), "w2", "")
	require.NoError(t, err)
	assert.Equal(t, "second", j.ID)

	j, err = c.Claim(context.Background(), "w3", "")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimGlobalPause(t *testing.T) {
	s := memory.New()
	enqueue(t, s, domain.Job{ID: "j1", CreatedAt: t0})
	flags := domain.DefaultControlFlags()
	flags.GlobalPause = true

	for i := 0; i < 3; i++ {
		j, err := newClaimer(s, flags, nil).Claim(context.Background(), "w1", "")
		require.NoError(t, err)
		assert.Nil(t, j)
	}
}

func TestClaimPoolAtCapacity(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: "default", MaxConcurrency: 2, CurrentConcurrency: 2}))
	enqueue(t, s, domain.Job{ID: "j1", CreatedAt: t0})
	enqueue(t, s, domain.Job{ID: "other", Pool: "reports", CreatedAt: t0.Add(time.Second)})
	c := newClaimer(s, domain.DefaultControlFlags(), nil)

	j, err := c.Claim(ctx, "w1", "default")
	require.NoError(t, err)
	assert.Nil(t, j)

	// Without a pool filter the full pool is skipped, not the whole claim.
	j, err = c.Claim(ctx, "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "other", j.ID)
}

func TestClaimBurstOverride(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: "default", MaxConcurrency: 1, BurstConcurrency: 2, CurrentConcurrency: 1}))
	enqueue(t, s, domain.Job{ID: "j1", CreatedAt: t0})

	j, err := newClaimer(s, domain.DefaultControlFlags(), nil).Claim(ctx, "w1", "default")
	require.NoError(t, err)
	assert.Nil(t, j)

	flags := domain.DefaultControlFlags()
	flags.BurstOverride = true
	j, err = newClaimer(s, flags, nil).Claim(ctx, "w1", "default")
	require.NoError(t, err)
	require.NotNil(t, j)

	p, _ := s.GetPool(ctx, "default")
	assert.Equal(t, 2, p.CurrentConcurrency)
}

func TestClaimScopedPauses(t *testing.T) {
	s := memory.New()
	enqueue(t, s, domain.Job{ID: "paused-tenant", TenantID: "t-paused", CreatedAt: t0})
	enqueue(t, s, domain.Job{ID: "paused-topic", Topic: "export_file", CreatedAt: t0.Add(1 * time.Second)})
	enqueue(t, s, domain.Job{ID: "paused-region", Region: "eu", CreatedAt: t0.Add(2 * time.Second)})
	enqueue(t, s, domain.Job{ID: "paused-pool", Pool: "bulk", CreatedAt: t0.Add(3 * time.Second)})
	enqueue(t, s, domain.Job{ID: "eligible", Region: "us", CreatedAt: t0.Add(4 * time.Second)})

	flags := domain.DefaultControlFlags()
	flags.ScopedPauses = []domain.Scope{
		{Type: domain.ScopeTenant, Key: "t-paused"},
		{Type: domain.ScopeTopic, Key: "export_file"},
		{Type: domain.ScopeRegion, Key: "eu"},
		{Type: domain.ScopePool, Key: "bulk"},
	}
	c := newClaimer(s, flags, nil)

	j, err := c.Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "eligible", j.ID)

	j, err = c.Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimWriteFreezeSkipsMutatingTopics(t *testing.T) {
	s := memory.New()
	enqueue(t, s, domain.Job{ID: "writes", Topic: "send_email", CreatedAt: t0})
	enqueue(t, s, domain.Job{ID: "reads", Topic: "report.read", CreatedAt: t0.Add(time.Second)})
	reg := executor.NewRegistry()
	reg.MarkReadOnly("report.read")

	flags := domain.DefaultControlFlags()
	flags.WriteFreeze = true
	j, err := newClaimer(s, flags, reg).Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "reads", j.ID)

	skipped, _ := s.GetJob(context.Background(), "writes")
	assert.Equal(t, domain.Queued, skipped.Status)
}

func TestClaimWriteFreezeScansPastAFullPage(t *testing.T) {
	s := memory.New()
	blocked := claim.DefaultScanLimit + 8
	for i := 0; i < blocked; i++ {
		enqueue(t, s, domain.Job{ID: fmt.Sprintf("writes-%02d", i), CreatedAt: t0.Add(time.Duration(i) * time.Millisecond)})
	}
	enqueue(t, s, domain.Job{ID: "reads", Topic: "report.read", CreatedAt: t0.Add(time.Minute)})
	reg := executor.NewRegistry()
	reg.MarkReadOnly("report.read")

	flags := domain.DefaultControlFlags()
	flags.WriteFreeze = true
	j, err := newClaimer(s, flags, reg).Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "reads", j.ID)
}

func TestClaimSkipsFullPoolBeyondScanWindow(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.UpsertPool(ctx, domain.WorkerPool{Pool: "a", MaxConcurrency: 0}))
	blocked := claim.DefaultScanLimit + 8
	for i := 0; i < blocked; i++ {
		enqueue(t, s, domain.Job{ID: fmt.Sprintf("a-%02d", i), Pool: "a", CreatedAt: t0.Add(time.Duration(i) * time.Millisecond)})
	}
	enqueue(t, s, domain.Job{ID: "b-1", Pool: "b", CreatedAt: t0.Add(time.Minute)})
	c := newClaimer(s, domain.DefaultControlFlags(), nil)

	j, err := c.Claim(ctx, "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "b-1", j.ID)

	j, err = c.Claim(ctx, "w1", "a")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimPagesWithSmallScanLimit(t *testing.T) {
	s := memory.New()
	for i := 0; i < 7; i++ {
		enqueue(t, s, domain.Job{ID: fmt.Sprintf("writes-%d", i), CreatedAt: t0})
	}
	enqueue(t, s, domain.Job{ID: "z-reads", Topic: "report.read", CreatedAt: t0})
	reg := executor.NewRegistry()
	reg.MarkReadOnly("report.read")
	flags := domain.DefaultControlFlags()
	flags.WriteFreeze = true
	c := claim.New(s, staticFlags(flags), governor.New(s, zap.NewNop()), reg, time.Minute, zap.NewNop(),
		claim.WithScanLimit(2))

	j, err := c.Claim(context.Background(), "w1", "")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "z-reads", j.ID)
}

func TestClaimStoreUnavailable(t *testing.T) {
	s := memory.New()
	enqueue(t, s, domain.Job{ID: "j1", CreatedAt: t0})
	s.FailOn("ListClaimable", errors.New("down"))

	_, err := newClaimer(s, domain.DefaultControlFlags(), nil).Claim(context.Background(), "w1", "")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestConcurrentClaimersNeverShareAJob(t *testing.T) {
	s := memory.New()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		enqueue(t, s, domain.Job{ID: fmt.Sprintf("j%02d", i), CreatedAt: t0.Add(time.Duration(i) * time.Millisecond)})
	}
	c := newClaimer(s, domain.DefaultControlFlags(), nil)

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				j, err := c.Claim(context.Background(), owner, "")
				if !assert.NoError(t, err) || j == nil {
					return
				}
				mu.Lock()
				prev, dup := seen[j.ID]
				seen[j.ID] = owner
				mu.Unlock()
				assert.False(t, dup, "job %s leased by %s and %s", j.ID, prev, owner)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, jobs)
}

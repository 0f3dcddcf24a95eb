package watchdog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/heartbeat"
	"github.com/SirClappington/jobcore/internal/ingest"
	"github.com/SirClappington/jobcore/internal/storage/memory"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

var t0 = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type defaultFlags struct{}

func (defaultFlags) Load(context.Context) domain.ControlFlags { return domain.DefaultControlFlags() }

type defaultPool struct{}

func (defaultPool) Resolve(context.Context, string) string { return domain.DefaultPool }

func newWatchdog(s *memory.Store, cfg watchdog.Config, now time.Time) *watchdog.Watchdog {
	log := zap.NewNop()
	gw := ingest.New(s, defaultFlags{}, defaultPool{}, log)
	return watchdog.New(heartbeat.New(s, log), s, gw, cfg, log).WithClock(func() time.Time { return now })
}

func addDeadLetters(t *testing.T, s *memory.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		j := &domain.Job{
			ID: "dl-" + string(rune('a'+i)), TenantID: "t1", Topic: "x",
			Payload: json.RawMessage(`{}`), Status: domain.Queued, MaxAttempts: 1,
		}
		require.NoError(t, s.InsertJob(ctx, j))
		_, err := s.AcquireLease(ctx, domain.LeaseRequest{JobID: j.ID, Owner: "w", ExpiresAt: t0})
		require.NoError(t, err)
		require.NoError(t, s.DeadLetterJob(ctx, domain.Release{JobID: j.ID, Owner: "w"}, &domain.DeadLetterEntry{
			ID: "e-" + j.ID, OriginalJobID: j.ID, Status: domain.DLQPending, RetryAfter: t0,
		}))
	}
}

func TestTickStaleWorkerRaisesIncidentAndProbe(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w-dead", Pool: "default", Region: "us", LastBeat: t0.Add(-5 * time.Minute)})
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w-alive", LastBeat: t0.Add(-10 * time.Second)})

	wd := newWatchdog(s, watchdog.Config{StaleThreshold: time.Minute, DLQThreshold: 100}, t0)
	sum, err := wd.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, watchdog.Summary{StaleWorkers: 1, IncidentsCreated: 1, ProbesEnqueued: 1}, sum)

	incidents, err := s.ListIncidents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.SeverityHigh, incidents[0].Severity)
	assert.Equal(t, watchdog.WorkerSource("w-dead"), incidents[0].Source)

	probes, err := s.ListClaimable(ctx, domain.ClaimFilter{})
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, watchdog.ProbeTopic, probes[0].Topic)
	assert.Equal(t, watchdog.ProbeTenant, probes[0].TenantID)
	assert.Contains(t, string(probes[0].Payload), "w-dead")

	// The next tick re-detects the worker: one more incident, no second probe.
	sum, err = wd.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.IncidentsCreated)
	assert.Zero(t, sum.ProbesEnqueued)
	incidents, _ = s.ListIncidents(ctx, 0)
	assert.Len(t, incidents, 2)
}

func TestTickCooldownSuppressesRepeatIncidents(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w-dead", LastBeat: t0.Add(-5 * time.Minute)})
	cfg := watchdog.Config{StaleThreshold: time.Minute, Cooldown: 10 * time.Minute}

	sum, err := newWatchdog(s, cfg, t0).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.IncidentsCreated)

	sum, err = newWatchdog(s, cfg, t0.Add(5*time.Minute)).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StaleWorkers)
	assert.Zero(t, sum.IncidentsCreated)

	sum, err = newWatchdog(s, cfg, t0.Add(11*time.Minute)).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.IncidentsCreated)
}

func TestTickSkipsMalformedHeartbeats(t *testing.T) {
	s := memory.New()
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w-bad", LastBeat: t0.Add(-time.Hour), LoadPct: 250})
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w-dead", LastBeat: t0.Add(-time.Hour)})

	sum, err := newWatchdog(s, watchdog.Config{}, t0).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.StaleWorkers)
	assert.Equal(t, 1, sum.IncidentsCreated)
}

func TestTickDLQThreshold(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	addDeadLetters(t, s, 3)

	sum, err := newWatchdog(s, watchdog.Config{DLQThreshold: 3}, t0).Tick(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.DLQCount)
	assert.Zero(t, sum.IncidentsCreated)

	sum, err = newWatchdog(s, watchdog.Config{DLQThreshold: 2}, t0).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.IncidentsCreated)
	incidents, _ := s.ListIncidents(ctx, 1)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.SeverityMedium, incidents[0].Severity)
	assert.Equal(t, watchdog.DLQSource, incidents[0].Source)
}

func TestTickIncidentFailureDoesNotBlockOthers(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w1", LastBeat: t0.Add(-time.Hour)})
	s.PutHeartbeat(domain.Heartbeat{WorkerID: "w2", LastBeat: t0.Add(-time.Hour)})
	s.FailOn("CreateIncident", errors.New("down"))

	sum, err := newWatchdog(s, watchdog.Config{}, t0).Tick(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 2, sum.StaleWorkers)
	assert.Zero(t, sum.IncidentsCreated)
	// Probes are independent of the incident write.
	assert.Equal(t, 2, sum.ProbesEnqueued)
}

package app_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/app"
	"github.com/SirClappington/jobcore/internal/config"
	"github.com/SirClappington/jobcore/internal/executor"
	"github.com/SirClappington/jobcore/internal/storage"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

func TestBuildWiresTicksAndTopics(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.Config{
		LeaseTTL:       time.Minute,
		HandlerTimeout: 30 * time.Second,
		FlagCacheTTL:   time.Second,
		PoolCacheTTL:   time.Second,
		DLQBackoff:     []time.Duration{time.Minute},
		ReadOnlyTopics: []string{"report.view"},
	}
	a, err := app.Build(cfg, storage.New(nil), rdb, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	var names []string
	for name := range a.Ticks() {
		names = append(names, name)
	}
	sort.Strings(names)
	want := append([]string(nil), app.TickOrder...)
	sort.Strings(want)
	assert.Equal(t, want, names)

	assert.False(t, a.Handlers.Mutates("report.view"))
	assert.False(t, a.Handlers.Mutates(watchdog.ProbeTopic))
	assert.True(t, a.Handlers.Mutates("send_email"))
	assert.Equal(t, []string{watchdog.ProbeTopic, app.NoopTopic}, a.Handlers.Topics())
	assert.NotNil(t, a.API().Routes())
}

func TestProbeHandler(t *testing.T) {
	reg := executor.NewRegistry()
	app.RegisterBuiltins(reg, zap.NewNop())
	h, ok := reg.Lookup(watchdog.ProbeTopic)
	require.True(t, ok)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"worker_id": "w1", "pool": "default", "last_beat": time.Now().Add(-time.Minute)})
	assert.NoError(t, h.Execute(ctx, payload))
	assert.Error(t, h.Execute(ctx, json.RawMessage(`{"pool":"default"}`)))
	assert.Error(t, h.Execute(ctx, json.RawMessage(`[`)))
}

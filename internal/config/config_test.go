package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://jobcore@localhost/jobcore")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, c.LeaseTTL)
	assert.Equal(t, []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}, c.DLQBackoff)
	assert.Equal(t, int64(100), c.DLQThreshold)
	assert.Equal(t, 3, c.DefaultMaxAttempts)
	assert.Equal(t, 24*time.Hour, c.IdempotencyTTL)
}

func TestParseRequiresStores(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")

	_, err := Parse()
	require.Error(t, err)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://jobcore@localhost/jobcore")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DLQ_BACKOFF_WINDOWS", "1m,2m")
	t.Setenv("READ_ONLY_TOPICS", "report.view,ops.incident_probe")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, c.DLQBackoff)
	assert.Equal(t, []string{"report.view", "ops.incident_probe"}, c.ReadOnlyTopics)
}

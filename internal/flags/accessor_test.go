package flags_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/flags"
)

type countingSource struct {
	flags domain.ControlFlags
	err   error
	calls int
}

func (s *countingSource) LoadControlFlags(context.Context) (domain.ControlFlags, error) {
	s.calls++
	return s.flags, s.err
}

func TestAccessorCachesSnapshot(t *testing.T) {
	src := &countingSource{flags: domain.ControlFlags{GlobalPause: true}}
	a := flags.New(src, time.Minute, zap.NewNop())

	assert.True(t, a.Load(context.Background()).GlobalPause)
	src.flags.GlobalPause = false
	assert.True(t, a.Load(context.Background()).GlobalPause, "served from cache")
	assert.Equal(t, 1, src.calls)

	a.Invalidate()
	assert.False(t, a.Load(context.Background()).GlobalPause)
	assert.Equal(t, 2, src.calls)
}

func TestAccessorFailsOpen(t *testing.T) {
	src := &countingSource{err: errors.New("connection refused")}
	a := flags.New(src, time.Minute, zap.NewNop())

	f := a.Load(context.Background())
	assert.Equal(t, domain.DefaultControlFlags(), f)

	src.err = nil
	src.flags = domain.ControlFlags{WriteFreeze: true}
	assert.True(t, a.Load(context.Background()).WriteFreeze, "failure is not cached")
}

func TestAccessorWithoutCache(t *testing.T) {
	src := &countingSource{}
	a := flags.New(src, 0, zap.NewNop())
	a.Load(context.Background())
	a.Load(context.Background())
	assert.Equal(t, 2, src.calls)
}

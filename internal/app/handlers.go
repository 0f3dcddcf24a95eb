package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/executor"
	"github.com/SirClappington/jobcore/internal/watchdog"
)

const NoopTopic = "ops.noop"

type probe struct {
	WorkerID string    `json:"worker_id"`
	Pool     string    `json:"pool"`
	Region   string    `json:"region"`
	LastBeat time.Time `json:"last_beat"`
}

// RegisterBuiltins adds the operational handlers every worker can run. Both are
// read-only and keep running under write freeze.
func RegisterBuiltins(reg *executor.Registry, log *zap.Logger) {
	reg.Register(watchdog.ProbeTopic, executor.HandlerFunc(func(ctx context.Context, payload json.RawMessage) error {
		var p probe
		if err := json.Unmarshal(payload, &p); err != nil {
			return errors.Wrap(err, "decode probe")
		}
		if p.WorkerID == "" {
			return errors.New("probe without worker_id")
		}
		log.Warn("incident probe",
			zap.String("worker_id", p.WorkerID),
			zap.String("pool", p.Pool),
			zap.String("region", p.Region),
			zap.Time("last_beat", p.LastBeat),
			zap.Duration("silent_for", time.Since(p.LastBeat)),
		)
		return nil
	}), executor.ReadOnly())

	reg.Register(NoopTopic, executor.HandlerFunc(func(context.Context, json.RawMessage) error { return nil }), executor.ReadOnly())
}

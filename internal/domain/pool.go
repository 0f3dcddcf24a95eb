package domain

type WorkerPool struct {
	Pool               string `json:"pool"`
	MinConcurrency     int    `json:"min_concurrency"`
	MaxConcurrency     int    `json:"max_concurrency"`
	BurstConcurrency   int    `json:"burst_concurrency"`
	CurrentConcurrency int    `json:"current_concurrency"`
	TopicGlob          string `json:"topic_glob"`
	// ConfiguredMax is max_concurrency as last written by pool configuration.
	// Operator changes to MaxConcurrency leave it alone.
	ConfiguredMax int `json:"configured_max_concurrency"`
}

// EffectiveMax is the lease cap in force: burst_concurrency while the burst override
// is on, max_concurrency otherwise. A pool with no burst configured keeps its max.
func (p WorkerPool) EffectiveMax(burstOverride bool) int {
	if burstOverride && p.BurstConcurrency > 0 {
		return p.BurstConcurrency
	}
	return p.MaxConcurrency
}

// Ceiling is the largest value an operator may set as the pool's max concurrency.
// It does not depend on earlier operator changes, so a lowered max can be raised again.
func (p WorkerPool) Ceiling() int {
	return max(p.ConfiguredMax, p.MaxConcurrency, p.BurstConcurrency)
}

func (p WorkerPool) CanAdmit(burstOverride bool) bool {
	return p.CurrentConcurrency < p.EffectiveMax(burstOverride)
}

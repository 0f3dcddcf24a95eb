package domain

import (
	"strings"
	"time"
)

type Heartbeat struct {
	WorkerID string    `json:"worker_id"`
	Pool     string    `json:"pool"`
	Region   string    `json:"region"`
	LastBeat time.Time `json:"last_beat"`
	LoadPct  float64   `json:"load_pct"`
	Version  string    `json:"version"`
}

// Validate rejects rows that cannot be attributed to a worker or placed in time.
func (h Heartbeat) Validate() error {
	if strings.TrimSpace(h.WorkerID) == "" {
		return &ValidationError{Field: "worker_id", Reason: "required"}
	}
	if h.LastBeat.IsZero() {
		return &ValidationError{Field: "last_beat", Reason: "required"}
	}
	if h.LoadPct < 0 || h.LoadPct > 100 {
		return &ValidationError{Field: "load_pct", Reason: "must be within 0..100"}
	}
	return nil
}

func (h Heartbeat) Staleness(now time.Time) time.Duration { return now.Sub(h.LastBeat) }

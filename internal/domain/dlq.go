package domain

import (
	"encoding/json"
	"time"
)

type DLQStatus string

const (
	DLQPending          DLQStatus = "pending"
	DLQPermanentFailure DLQStatus = "permanent_failure"
)

// JobSnapshot is the part of a dead-lettered job needed to enqueue it again.
type JobSnapshot struct {
	TenantID    string          `json:"tenant_id"`
	Region      string          `json:"region"`
	Pool        string          `json:"pool"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

func SnapshotOf(j *Job) JobSnapshot {
	return JobSnapshot{
		TenantID:    j.TenantID,
		Region:      j.Region,
		Pool:        j.Pool,
		Topic:       j.Topic,
		Payload:     j.Payload,
		MaxAttempts: j.MaxAttempts,
	}
}

type DeadLetterEntry struct {
	ID            string      `json:"id"`
	OriginalJobID string      `json:"original_job_id"`
	Snapshot      JobSnapshot `json:"snapshot"`
	Attempts      int         `json:"attempts"`
	RetryAfter    time.Time   `json:"retry_after"`
	Status        DLQStatus   `json:"status"`
	LastError     string      `json:"last_error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type DLQListOpts struct {
	Status DLQStatus
	Limit  int
}

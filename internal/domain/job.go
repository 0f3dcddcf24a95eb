package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Queued  Status = "queued"
	Running Status = "running"
	Done    Status = "done"
	Errored Status = "error"
)

// Terminal reports whether a job in this status may never be claimed again.
func (s Status) Terminal() bool { return s == Done || s == Errored }

const DefaultPool = "default"

type Job struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Region         string          `json:"region"`
	Pool           string          `json:"pool"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Owner returns the current lease owner or "" when the job is not leased.
func (j *Job) Owner() string {
	if j.LeaseOwner == nil {
		return ""
	}
	return *j.LeaseOwner
}

// LeaseExpired reports whether the job is running on a lease that ended before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == Running && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// ClaimFilter narrows the claimable set. Empty Pool means any pool.
type ClaimFilter struct {
	Pool           string
	ExcludeTenants []string
	ExcludeTopics  []string
	ExcludeRegions []string
	ExcludePools   []string
	// After pages past jobs at or before this (created_at, id) position.
	After *JobCursor
	Limit int
}

type JobCursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(j *Job) *JobCursor { return &JobCursor{CreatedAt: j.CreatedAt, ID: j.ID} }

// Past reports whether j sorts after the cursor in claim order.
func (c *JobCursor) Past(j *Job) bool {
	if c == nil {
		return true
	}
	if !j.CreatedAt.Equal(c.CreatedAt) {
		return j.CreatedAt.After(c.CreatedAt)
	}
	return j.ID > c.ID
}

type LeaseRequest struct {
	JobID         string
	Owner         string
	ExpiresAt     time.Time
	BurstOverride bool
}

// Release identifies the lease a terminal or retry transition must still hold.
// ExpiredBefore is set by the reaper so a renewed or finished lease is left alone.
type Release struct {
	JobID         string
	Owner         string
	Attempts      int
	ExpiredBefore *time.Time
}

type JobCount struct {
	Pool   string `json:"pool"`
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

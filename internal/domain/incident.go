package domain

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Incident struct {
	ID        string          `json:"id"`
	TenantID  *string         `json:"tenant_id,omitempty"`
	Severity  Severity        `json:"severity"`
	Source    string          `json:"source"`
	Summary   string          `json:"summary"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

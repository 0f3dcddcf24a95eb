package domain

import (
	"fmt"
	"time"
)

type ScopeType string

const (
	ScopePool   ScopeType = "pool"
	ScopeTenant ScopeType = "tenant"
	ScopeTopic  ScopeType = "topic"
	ScopeRegion ScopeType = "region"
)

func ParseScopeType(s string) (ScopeType, error) {
	switch st := ScopeType(s); st {
	case ScopePool, ScopeTenant, ScopeTopic, ScopeRegion:
		return st, nil
	}
	return "", &ValidationError{Field: "scope_type", Reason: fmt.Sprintf("unknown scope %q", s)}
}

type Scope struct {
	Type ScopeType `json:"scope_type"`
	Key  string    `json:"scope_key"`
}

type ControlFlags struct {
	GlobalPause          bool    `json:"global_pause"`
	WriteFreeze          bool    `json:"write_freeze"`
	ExternalCallsEnabled bool    `json:"external_calls_enabled"`
	BurstOverride        bool    `json:"burst_override"`
	ScopedPauses         []Scope `json:"scoped_pauses"`
}

// DefaultControlFlags is what a missing or unreadable flag row means: nothing paused.
func DefaultControlFlags() ControlFlags {
	return ControlFlags{ExternalCallsEnabled: true}
}

// Paused returns the keys paused for the given scope type.
func (f ControlFlags) Paused(t ScopeType) []string {
	var keys []string
	for _, s := range f.ScopedPauses {
		if s.Type == t {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

// Blocks reports whether any scoped pause covers the job.
func (f ControlFlags) Blocks(j *Job) bool {
	for _, s := range f.ScopedPauses {
		switch s.Type {
		case ScopePool:
			if j.Pool == s.Key {
				return true
			}
		case ScopeTenant:
			if j.TenantID == s.Key {
				return true
			}
		case ScopeTopic:
			if j.Topic == s.Key {
				return true
			}
		case ScopeRegion:
			if j.Region == s.Key {
				return true
			}
		}
	}
	return false
}

// GlobalUpdate carries a partial change to the global flags; nil fields are untouched.
type GlobalUpdate struct {
	GlobalPause          *bool `json:"global_pause,omitempty"`
	WriteFreeze          *bool `json:"write_freeze,omitempty"`
	ExternalCallsEnabled *bool `json:"external_calls_enabled,omitempty"`
	BurstOverride        *bool `json:"burst_override,omitempty"`
}

func (u GlobalUpdate) Apply(f *ControlFlags) {
	if u.GlobalPause != nil {
		f.GlobalPause = *u.GlobalPause
	}
	if u.WriteFreeze != nil {
		f.WriteFreeze = *u.WriteFreeze
	}
	if u.ExternalCallsEnabled != nil {
		f.ExternalCallsEnabled = *u.ExternalCallsEnabled
	}
	if u.BurstOverride != nil {
		f.BurstOverride = *u.BurstOverride
	}
}

func (u GlobalUpdate) Empty() bool {
	return u.GlobalPause == nil && u.WriteFreeze == nil && u.ExternalCallsEnabled == nil && u.BurstOverride == nil
}

// ControlEvent is the append-only audit record of a control-plane change.
type ControlEvent struct {
	ID          string    `json:"id"`
	Level       string    `json:"level"`
	Key         string    `json:"key,omitempty"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
}

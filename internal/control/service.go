// Package control applies operator changes to the control flags and records each
// change in the control event log.
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/domain"
)

const (
	LevelGlobal = "global"

	// DefaultKillReason is recorded when a kill request carries no reason.
	DefaultKillReason = "Emergency kill switch activated"
)

type Store interface {
	LoadControlFlags(ctx context.Context) (domain.ControlFlags, error)
	UpdateControlFlags(ctx context.Context, u domain.GlobalUpdate) (domain.ControlFlags, error)
	SetScopePause(ctx context.Context, sc domain.Scope, paused bool, reason string) error
	AppendControlEvent(ctx context.Context, e *domain.ControlEvent) error
	ListControlEvents(ctx context.Context, limit int) ([]domain.ControlEvent, error)
}

// Invalidator drops cached flag snapshots held by this process.
type Invalidator interface {
	Invalidate()
}

type GlobalRequest struct {
	domain.GlobalUpdate
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

type ScopeRequest struct {
	ScopeType   string `json:"scope_type"`
	ScopeKey    string `json:"scope_key"`
	Paused      bool   `json:"paused"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

type KillRequest struct {
	Level       string `json:"level"`
	Key         string `json:"key,omitempty"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

type Service struct {
	store Store
	cache Invalidator
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, cache Invalidator, log *zap.Logger) *Service {
	return &Service{store: store, cache: cache, log: log, now: time.Now}
}

func (s *Service) Status(ctx context.Context) (domain.ControlFlags, error) {
	return s.store.LoadControlFlags(ctx)
}

func (s *Service) Events(ctx context.Context, limit int) ([]domain.ControlEvent, error) {
	return s.store.ListControlEvents(ctx, limit)
}

func (s *Service) UpdateGlobal(ctx context.Context, req GlobalRequest) (domain.ControlFlags, error) {
	if req.Empty() {
		return domain.ControlFlags{}, &domain.ValidationError{Field: "flags", Reason: "at least one flag is required"}
	}
	return s.updateGlobal(ctx, req, describe(req.GlobalUpdate))
}

func (s *Service) updateGlobal(ctx context.Context, req GlobalRequest, action string) (domain.ControlFlags, error) {
	f, err := s.store.UpdateControlFlags(ctx, req.GlobalUpdate)
	if err != nil {
		return domain.ControlFlags{}, errors.Wrap(err, "update control flags")
	}
	s.changed(ctx, LevelGlobal, "", action, req.Reason, req.RequestedBy)
	return f, nil
}

func (s *Service) SetScope(ctx context.Context, req ScopeRequest) (domain.ControlFlags, error) {
	action := "resume"
	if req.Paused {
		action = "pause"
	}
	return s.setScope(ctx, req, action)
}

func (s *Service) setScope(ctx context.Context, req ScopeRequest, action string) (domain.ControlFlags, error) {
	st, err := domain.ParseScopeType(req.ScopeType)
	if err != nil {
		return domain.ControlFlags{}, err
	}
	if strings.TrimSpace(req.ScopeKey) == "" {
		return domain.ControlFlags{}, &domain.ValidationError{Field: "scope_key", Reason: "required"}
	}
	if err := s.store.SetScopePause(ctx, domain.Scope{Type: st, Key: req.ScopeKey}, req.Paused, req.Reason); err != nil {
		return domain.ControlFlags{}, errors.Wrap(err, "set scope pause")
	}
	s.changed(ctx, string(st), req.ScopeKey, action, req.Reason, req.RequestedBy)
	return s.store.LoadControlFlags(ctx)
}

// Kill stops claiming at the given level: everything for "global", otherwise the
// named scope. The change is logged with action "kill".
func (s *Service) Kill(ctx context.Context, req KillRequest) (domain.ControlFlags, error) {
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = DefaultKillReason
	}
	if req.Level == LevelGlobal {
		on := true
		return s.updateGlobal(ctx, GlobalRequest{
			GlobalUpdate: domain.GlobalUpdate{GlobalPause: &on},
			Reason:       req.Reason,
			RequestedBy:  req.RequestedBy,
		}, "kill")
	}
	return s.setScope(ctx, ScopeRequest{
		ScopeType:   req.Level,
		ScopeKey:    req.Key,
		Paused:      true,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
	}, "kill")
}

func (s *Service) changed(ctx context.Context, level, key, action, reason, by string) {
	if s.cache != nil {
		s.cache.Invalidate()
	}
	e := &domain.ControlEvent{
		ID:          uuid.NewString(),
		Level:       level,
		Key:         key,
		Action:      action,
		Reason:      reason,
		RequestedBy: by,
		CreatedAt:   s.now().UTC(),
	}
	fields := []zap.Field{
		zap.String("level", level),
		zap.String("key", key),
		zap.String("action", action),
		zap.String("requested_by", by),
	}
	if err := s.store.AppendControlEvent(ctx, e); err != nil {
		s.log.Error("control event not recorded", append(fields, zap.Error(err))...)
		return
	}
	s.log.Info("control flags changed", fields...)
}

func describe(u domain.GlobalUpdate) string {
	var parts []string
	add := func(name string, v *bool) {
		if v != nil {
			parts = append(parts, fmt.Sprintf("%s=%t", name, *v))
		}
	}
	add("global_pause", u.GlobalPause)
	add("write_freeze", u.WriteFreeze)
	add("external_calls_enabled", u.ExternalCallsEnabled)
	add("burst_override", u.BurstOverride)
	sort.Strings(parts)
	return "set " + strings.Join(parts, ",")
}

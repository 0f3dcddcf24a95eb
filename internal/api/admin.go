package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/control"
	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/idempotency"
)

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	status := domain.DLQStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.DLQPending, domain.DLQPermanentFailure:
	default:
		s.respondErr(w, r, &domain.ValidationError{Field: "status", Reason: "must be pending or permanent_failure"})
		return
	}
	entries, err := s.d.Store.ListDeadLetters(r.Context(), domain.DLQListOpts{Status: status, Limit: parseLimit(r, 100, 1000)})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*domain.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) countDLQ(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.d.Store.CountDeadLetters(ctx, domain.DLQPending)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	permanent, err := s.d.Store.CountDeadLetters(ctx, domain.DLQPermanentFailure)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"pending":           pending,
		"permanent_failure": permanent,
		"total":             pending + permanent,
	})
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.d.Store.ListIncidents(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.d.Pools.Pools(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *int `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Value == nil {
		s.respondErr(w, r, &domain.ValidationError{Field: "value", Reason: "required"})
		return
	}
	pool := chi.URLParam(r, "pool")
	in := map[string]any{"pool": pool, "value": *body.Value}
	s.tracked(w, r, "pools.concurrency", in, func(ctx context.Context) (any, error) {
		return s.d.Pools.SetConcurrency(ctx, pool, *body.Value)
	})
}

func (s *Server) controlStatus(w http.ResponseWriter, r *http.Request) {
	f, err := s.d.Control.Status(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) controlEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.d.Control.Events(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) controlGlobal(w http.ResponseWriter, r *http.Request) {
	var req control.GlobalRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.tracked(w, r, "control.global", req, func(ctx context.Context) (any, error) {
		return s.d.Control.UpdateGlobal(ctx, req)
	})
}

func (s *Server) controlScope(w http.ResponseWriter, r *http.Request) {
	var req control.ScopeRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.tracked(w, r, "control.scope", req, func(ctx context.Context) (any, error) {
		return s.d.Control.SetScope(ctx, req)
	})
}

func (s *Server) controlKill(w http.ResponseWriter, r *http.Request) {
	var req control.KillRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.tracked(w, r, "control.kill", req, func(ctx context.Context) (any, error) {
		return s.d.Control.Kill(ctx, req)
	})
}

// tracked runs a mutation through the idempotency tracker when the client sends an
// Idempotency-Key header. The tracker key covers the header and the normalized input,
// so a retried or concurrent identical request applies once; reusing the header with
// a different body is a different operation.
func (s *Server) tracked(w http.ResponseWriter, r *http.Request, scope string, input any, fn func(context.Context) (any, error)) {
	client := r.Header.Get("Idempotency-Key")
	if s.d.Tracker == nil || client == "" {
		res, err := fn(r.Context())
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	key, err := idempotency.Key(scope, map[string]any{"key": client, "input": input})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := idempotency.Track(r.Context(), s.d.Tracker, key, fn)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := s.d.Ticks[name]
	if !ok {
		s.respondErr(w, r, errors.Wrapf(domain.ErrNotFound, "tick %s", name))
		return
	}
	sum, err := t(r.Context())
	if err != nil {
		s.log.Warn("manual tick finished with errors", zap.String("tick", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"summary": sum, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum})
}

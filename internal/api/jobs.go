package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/ingest"
)

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := s.d.Jobs.Enqueue(r.Context(), req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.d.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type leaseRequest struct {
	Pool  string `json:"pool,omitempty"`
	Owner string `json:"owner,omitempty"`
}

func (s *Server) lease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.respondErr(w, r, err)
			return
		}
	}
	if req.Owner == "" {
		req.Owner = "api:" + uuid.NewString()
	}
	j, err := s.d.Claimer.Claim(r.Context(), req.Owner, req.Pool)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type settleRequest struct {
	Owner string `json:"owner"`
	Error string `json:"error,omitempty"`
}

// leased loads the job and checks that owner still holds its lease.
func (s *Server) leased(r *http.Request, req *settleRequest) (*domain.Job, error) {
	if err := decode(r, req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Owner) == "" {
		return nil, &domain.ValidationError{Field: "owner", Reason: "required"}
	}
	j, err := s.d.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if j.Status != domain.Running || j.Owner() != req.Owner {
		return nil, errors.Wrapf(domain.ErrLeaseLost, "job %s", j.ID)
	}
	return j, nil
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	j, err := s.leased(r, &req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.d.Store.CompleteJob(r.Context(), domain.Release{JobID: j.ID, Owner: req.Owner, Attempts: j.Attempts}); err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": j.ID, "status": domain.Done})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	j, err := s.leased(r, &req)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	msg := req.Error
	if msg == "" {
		msg = "reported failed by worker"
	}
	d, err := s.d.Retry.Fail(r.Context(), j, &domain.HandlerError{Topic: j.Topic, Err: errors.New(msg)})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": j.ID, "action": d.Action.String(), "attempts": d.Attempts})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb domain.Heartbeat
	if err := decode(r, &hb); err != nil {
		s.respondErr(w, r, err)
		return
	}
	applied, err := s.d.Heartbeats.Beat(r.Context(), hb)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

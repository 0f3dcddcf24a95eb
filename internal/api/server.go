// Package api exposes ingestion, worker and operator endpoints over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/jobcore/internal/control"
	"github.com/SirClappington/jobcore/internal/domain"
	"github.com/SirClappington/jobcore/internal/idempotency"
	"github.com/SirClappington/jobcore/internal/ingest"
	"github.com/SirClappington/jobcore/internal/retry"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

type Claimer interface {
	Claim(ctx context.Context, owner, pool string) (*domain.Job, error)
}

type Store interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CompleteJob(ctx context.Context, rel domain.Release) error
	ListDeadLetters(ctx context.Context, opts domain.DLQListOpts) ([]*domain.DeadLetterEntry, error)
	CountDeadLetters(ctx context.Context, status domain.DLQStatus) (int64, error)
	ListIncidents(ctx context.Context, limit int) ([]domain.Incident, error)
}

type Failer interface {
	Fail(ctx context.Context, j *domain.Job, cause error) (retry.Decision, error)
}

type Beater interface {
	Beat(ctx context.Context, hb domain.Heartbeat) (bool, error)
}

type Pools interface {
	Pools(ctx context.Context) ([]domain.WorkerPool, error)
	SetConcurrency(ctx context.Context, pool string, value int) (domain.WorkerPool, error)
}

// Tick is one bounded unit of periodic work returning its summary.
type Tick func(ctx context.Context) (any, error)

type Deps struct {
	Jobs       Enqueuer
	Claimer    Claimer
	Store      Store
	Retry      Failer
	Heartbeats Beater
	Pools      Pools
	Control    *control.Service
	Tracker    *idempotency.Tracker
	Ticks      map[string]Tick
	// RateLimit wraps the enqueue route when set.
	RateLimit func(http.Handler) http.Handler
	Gatherer  prometheus.Gatherer
	Log       *zap.Logger
}

type Server struct {
	d   Deps
	log *zap.Logger
	srv *http.Server
}

func New(d Deps) *Server {
	s := &Server{d: d, log: d.Log}
	s.srv = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(s.logRequests)
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.d.Gatherer != nil {
		rtr.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{}))
	}

	rtr.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.d.RateLimit != nil {
				r.Use(s.d.RateLimit)
			}
			r.Post("/jobs", s.enqueue)
		})
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/lease", s.lease)
		r.Post("/jobs/{id}/complete", s.complete)
		r.Post("/jobs/{id}/fail", s.fail)
		r.Post("/heartbeats", s.heartbeat)

		r.Get("/dlq", s.listDLQ)
		r.Get("/dlq/count", s.countDLQ)
		r.Get("/incidents", s.listIncidents)

		r.Get("/pools", s.listPools)
		r.Put("/pools/{pool}/concurrency", s.setConcurrency)

		r.Get("/control", s.controlStatus)
		r.Get("/control/events", s.controlEvents)
		r.Post("/control/global", s.controlGlobal)
		r.Post("/control/scope", s.controlScope)
		r.Post("/control/kill", s.controlKill)

		r.Post("/ticks/{name}", s.tick)
	})
	return rtr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	s.log.Info("api listening", zap.String("addr", l.Addr().String()))
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(cctx)
	case err := <-errCh:
		return err
	}
}

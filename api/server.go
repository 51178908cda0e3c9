package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pricewatch/models"
	"pricewatch/services"
)

// Ingestion is the write side the API can trigger.
type Ingestion interface {
	TriggerIngestion(ctx context.Context, term string) (*services.CycleReport, error)
	Rebuild(ctx context.Context, term string) (*services.RebuildReport, error)
}

type DashboardSource interface {
	GetDashboardData(ctx context.Context, term string, window time.Duration) (*models.DashboardData, error)
}

type HistoryReader interface {
	Transitions(ctx context.Context, term string, from, to time.Time) ([]models.Transition, error)
	Runs(ctx context.Context, term string, limit int) ([]models.IngestRun, error)
	RunLogs(ctx context.Context, runID string) ([]models.RunLog, error)
}

// Deps is everything the handlers need.
type Deps struct {
	Ingestion Ingestion
	Dashboard DashboardSource
	History   HistoryReader
	Logger    *zap.Logger
	StartTime time.Time
	Now       func() time.Time
}

// background tracks work that outlives the request that started it.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBackground() *background {
	ctx, cancel := context.WithCancel(context.Background())
	return &background{ctx: ctx, cancel: cancel}
}

func (b *background) Go(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

// Wait blocks until every job is done. When ctx ends first the jobs are
// cancelled and waited for.
func (b *background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}

type Server struct {
	http   *http.Server
	jobs   *background
	logger *zap.Logger
}

func New(addr string, d Deps) *Server {
	jobs := newBackground()
	return &Server{
		jobs: jobs,
		http: &http.Server{
			Addr:              addr,
			Handler:           newRouter(d, jobs),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      5 * time.Minute, // synchronous ingestion
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: d.Logger,
	}
}

// NewRouter builds the chi router with middlewares and every route.
func NewRouter(d Deps) http.Handler {
	return newRouter(d, newBackground())
}

func newRouter(d Deps, jobs *background) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.StartTime.IsZero() {
		d.StartTime = d.Now()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(d.Logger))

	r.Get("/healthz", healthz(d))

	r.Route("/api/terms/{term}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/dashboard", dashboard(d))
			r.Get("/transitions", transitions(d))
			r.Get("/runs", runs(d))
		})
		r.Post("/ingest", ingest(d, jobs))
		r.Post("/rebuild", rebuild(d))
	})
	r.With(middleware.Timeout(10*time.Second)).Get("/api/runs/{id}/logs", runLogs(d))

	return r
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down, then waits for async ingestions started
// through it so the caller can close the store safely.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	err := s.http.Shutdown(ctx)
	if werr := s.jobs.Wait(ctx); werr != nil {
		s.logger.Warn("async ingestions cancelled at shutdown", zap.Error(werr))
		if err == nil {
			err = werr
		}
	}
	return err
}

package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/radscan/internal/api/handlers"
	"github.com/eargollo/radscan/internal/cache"
	"github.com/eargollo/radscan/internal/config"
	"github.com/eargollo/radscan/internal/scan"
	"github.com/eargollo/radscan/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(
	addr string,
	db *sql.DB,
	cfg *config.Config,
	mgr *scan.Manager,
	store *cache.Store,
	sched *scheduler.Scheduler,
	version string,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{DB: db, Manager: mgr, Cfg: cfg, Sched: sched, Version: version}
	scansH := &handlers.ScansHandler{DB: db, Manager: mgr, Cfg: cfg}
	collectionsH := &handlers.CollectionsHandler{DB: db, Cache: store, Manager: mgr}
	configH := &handlers.ConfigHandler{Cfg: cfg}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.Get)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Get("/scans/report", scansH.Report)
		r.Get("/scans/{id}", scansH.Get)
		r.Delete("/scans/current", scansH.Cancel)

		r.Get("/collections", collectionsH.List)
		r.Get("/collections/{name}", collectionsH.Get)

		r.Get("/config", configH.Get)
	})

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r},
	}
}

// Handler returns the root router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskq/internal/ports"
	"taskq/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	router *chi.Mux
	tasks  usecase.Tasks
	sched  ports.Scheduler
}

// NewServer binds the task operations to HTTP routes. sched may be nil when
// the scheduler runs in another process.
func NewServer(tasks usecase.Tasks, sched ports.Scheduler) *Server {
	s := &Server{
		router: chi.NewRouter(),
		tasks:  tasks,
		sched:  sched,
	}

	s.router.Use(
		corsHandler,
		requestIDHandler,
		realIPHandler,
		loggerHandler(func(r *http.Request) bool { return r.URL.Path == "/healthz" }),
		recoverHandler,
	)

	s.router.Get("/healthz", s.health)
	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.cancelTask)
		r.Post("/{id}/retry", s.retryTask)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

package web

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/repokeeper/pkg/metrics"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
)

type Server struct {
	logger   *slog.Logger
	handlers *APIHandlers
	app      *fiber.App
}

func NewServer(logger *slog.Logger, handlers *APIHandlers) *Server {
	return &Server{
		logger:   logger.With("module", "api"),
		handlers: handlers,
	}
}

func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}

	h := s.handlers

	app := fiber.New()
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", h.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	w := app.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.RegisterWorkflow)
	w.Get("/:name", h.GetWorkflow)
	w.Delete("/:name", h.RemoveWorkflow)
	w.Post("/:name/dispatch", h.DispatchWorkflow)
	w.Get("/:name/runs", h.ListRuns)

	app.Post("/events", h.DispatchEvent)

	r := app.Group("/runs")
	r.Get("/", h.ListRuns)
	r.Get("/:id", h.GetRun)
	r.Post("/:id/cancel", h.CancelRun)

	b := app.Group("/backups")
	b.Get("/", h.ListBackups)
	b.Post("/", h.CreateBackup)
	b.Post("/prune", h.PruneBackups)
	b.Get("/:id", h.GetBackup)
	b.Delete("/:id", h.DeleteBackup)
	b.Post("/:id/restore", h.RestoreBackup)

	sc := app.Group("/schedules")
	sc.Get("/", h.ListSchedules)
	sc.Post("/", h.SaveSchedule)
	sc.Get("/:id", h.GetSchedule)
	sc.Put("/:id", h.SaveSchedule)
	sc.Delete("/:id", h.RemoveSchedule)

	s.app = app

	return app
}

// Start blocks serving the API until Shutdown is called or the listener fails.
func (s *Server) Start(port int) error {
	s.logger.Info("starting API server", "port", port)

	return s.App().Listen(":" + strconv.Itoa(port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}

	return s.app.ShutdownWithContext(ctx)
}

package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/sango-pay/sango_pay/internal/config"
	"github.com/sango-pay/sango_pay/internal/routes"
)

// Server wraps the Fiber application plus the background jobs wired by the
// routes layer.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	stopJobs func()
}

// New instantiates the HTTP server and delegates wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	stop, err := routes.Setup(app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: d.Cfg, stopJobs: stop}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown drains in-flight requests, then stops the reconciler and event
// subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.stopJobs()
	return err
}

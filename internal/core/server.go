// Package core is the HTTP chassis shared by the gateway: a chi router with
// the cross-cutting middleware (panic recovery, request ids, logging,
// metrics, ingress limiting, operator authentication) and the JSON response
// helpers handlers use.
package core

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"notifypipe/internal/config"
)

// MetricsCollector records HTTP telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes under /v1.
type RouteRegistrar func(r chi.Router)

// Server owns the router and its dependencies. Public routes go through
// PublicRoutes, operator routes through OperatorRoutes; both are mounted
// under /v1 by MountRoutes.
type Server struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics MetricsCollector

	HealthProbes   []HealthProbe
	MetricsHandler http.Handler

	PublicRoutes   []RouteRegistrar
	OperatorRoutes []RouteRegistrar

	limiter      *ingressLimiter
	operatorKeys operatorKeyCache
	router       *chi.Mux
}

// NewServer validates its inputs and returns a Server ready for route
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}
	if cfg.Server.IngressRateLimit > 0 {
		s.limiter = newIngressLimiter(cfg.Server.IngressRateLimit, cfg.Server.IngressRateBurst, time.Now)
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi mux, mainly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer wraps the router in an *http.Server with the configured
// timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.requestTimeout(),
		WriteTimeout:      s.requestTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

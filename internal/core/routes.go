package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"notifypipe/internal/types"
)

const defaultRequestTimeout = 15 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	operatorKeyHeader,
}

// MountRoutes registers middleware and every route. Call it once, after
// the route registrars have been set.
//
// Middleware order:
//  1. Recoverer       - outermost so every panic becomes a 500.
//  2. ContextTimeout  - bounds handler work.
//  3. RequestID       - X-Request-Id, also seeds the correlation id.
//  4. SecurityHeaders
//  5. RequestLogger   - sees the final status.
//  6. Metrics
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.MetricsMiddleware)

	s.router.Route("/v1", s.mountV1)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}
}

func (s *Server) mountV1(r chi.Router) {
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.IngressRateLimit)
		}
		for _, register := range s.PublicRoutes {
			register(r)
		}
	})

	if len(s.OperatorRoutes) == 0 {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(s.RequireOperatorKey)
		for _, register := range s.OperatorRoutes {
			register(r)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates X-Request-Id or generates one. An
// X-Correlation-Id header, when present, is stored for handlers that
// default the notification correlation id from it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := types.WithRequestID(r.Context(), id)
		if corr := r.Header.Get("X-Correlation-Id"); corr != "" && len(corr) <= 128 {
			ctx = types.WithCorrelationID(ctx, corr)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

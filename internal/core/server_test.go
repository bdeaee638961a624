package core

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNewServer_RejectsNilDependencies(t *testing.T) {
	if _, err := NewServer(nil, slog.Default()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(testConfig(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestNewServer_LimiterOnlyWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	if srv.limiter != nil {
		t.Error("limiter should be disabled by default")
	}

	cfg := testConfig()
	cfg.Server.IngressRateLimit = 10
	cfg.Server.IngressRateBurst = 5
	srv, _ = newTestServer(t, cfg)
	if srv.limiter == nil {
		t.Error("limiter should be enabled")
	}
}

func TestHTTPServer_UsesConfig(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	hs := srv.HTTPServer()
	if hs.Addr != ":8080" {
		t.Errorf("unexpected addr %s", hs.Addr)
	}
	if hs.ReadTimeout != 5*time.Second {
		t.Errorf("unexpected read timeout %v", hs.ReadTimeout)
	}
}

func TestMountRoutes(t *testing.T) {
	srv := operatorServer(t, "letmein")
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv.PublicRoutes = []RouteRegistrar{func(r chi.Router) {
		r.Post("/notifications", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	}}
	srv.OperatorRoutes = []RouteRegistrar{func(r chi.Router) {
		r.Get("/dlq", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	}}
	srv.MountRoutes()

	tests := []struct {
		method, path, key string
		want              int
	}{
		{http.MethodPost, "/v1/notifications", "", http.StatusAccepted},
		{http.MethodGet, "/v1/dlq", "", http.StatusUnauthorized},
		{http.MethodGet, "/v1/dlq", "letmein", http.StatusOK},
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/v1/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(operatorKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Error("missing X-Request-Id")
			}
		})
	}
}

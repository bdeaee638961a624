package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency (broker, idempotency store, dead letter
// store).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is anything with a Ping method; every store and broker qualifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

type pingProbe struct {
	name string
	p    Pinger
}

func (p pingProbe) Name() string                    { return p.name }
func (p pingProbe) Check(ctx context.Context) error { return p.p.Ping(ctx) }

// PingProbe adapts a Pinger into a HealthProbe.
func PingProbe(name string, p Pinger) HealthProbe {
	return pingProbe{name: name, p: p}
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a shared deadline and
// answers 200 when all pass, 503 otherwise. A probe that has not returned
// by the deadline counts as failed.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Version: s.Config.Build.Version, Commit: s.Config.Build.Commit}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(s.HealthProbes))
		wg      sync.WaitGroup
	)
	for _, probe := range s.HealthProbes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			err := runProbe(ctx, p)
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		err, finished := results[p.Name()]
		switch {
		case !finished:
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			resp.Components[p.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			resp.Components[p.Name()] = componentStatus{Status: "healthy"}
			continue
		}
		resp.Status = "unhealthy"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}

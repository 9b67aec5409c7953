package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/drfirst/go-prontuario/pkg/circuitbreaker"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	checks   map[string]Check
	breakers *circuitbreaker.Manager
}

// NewHealthHandler creates a new handler. checks and breakers may be nil.
func NewHealthHandler(service string, checks map[string]Check, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// ReadyResponse reports every check and breaker
type ReadyResponse struct {
	Status   string                  `json:"status"`
	Checks   map[string]string       `json:"checks,omitempty"`
	Breakers []circuitbreaker.Status `json:"breakers,omitempty"`
}

// Ready handles GET /ready. A failed check makes the service unready; an open breaker only
// degrades it, since generation still works without history.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: map[string]string{}}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.Statuses()
		for _, s := range resp.Breakers {
			if !s.Healthy && code == http.StatusOK {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, code, resp)
}

// Package handlers implements the admin API's HTTP endpoints: health
// probes and the JWT-gated operator views over the neighborhood store.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/profileserver/pkg/store"
)

// HealthCheckTimeout bounds how long a readiness probe waits on the
// database before reporting unhealthy.
const HealthCheckTimeout = 5 * time.Second

// HealthHandler serves /healthz and /healthz/ready.
type HealthHandler struct {
	store *store.Store
}

func NewHealthHandler(store *store.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Liveness handles GET /healthz: the process is running.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "profileserver",
	}))
}

// Readiness handles GET /healthz/ready: the store is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	if err := h.store.Healthcheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{"store": "reachable"}))
}

package api

import (
	"context"
	"net/http"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// HealthChecker reports service health.
type HealthChecker interface {
	Health(ctx context.Context) (*core.HealthResponse, error)
}

// SystemHandler handles system-related HTTP endpoints.
type SystemHandler struct {
	backend HealthChecker
	store   string
}

// NewSystemHandler creates a new SystemHandler. store names the durable
// store in the manifest.
func NewSystemHandler(backend HealthChecker, store string) *SystemHandler {
	return &SystemHandler{backend: backend, store: store}
}

// Manifest handles GET /v1/manifest
func (h *SystemHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"implementation": map[string]any{
			"name":    "ojs-campaigns",
			"version": core.ServiceVersion,
			"store":   h.store,
		},
		"retry_levels": core.RetryLevels(),
		"capabilities": []string{
			"start", "await", "get", "list",
			"effect-gate", "retry-level", "submit-delivery", "events",
		},
	})
}

// Health handles GET /v1/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp, err := h.backend.Health(r.Context())
	if err != nil {
		if resp == nil {
			HandleError(w, err)
			return
		}
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	WriteJSON(w, status, resp)
}

package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// CampaignHandler handles campaign-related HTTP endpoints.
type CampaignHandler struct {
	backend core.CampaignManager
}

// NewCampaignHandler creates a new CampaignHandler.
func NewCampaignHandler(backend core.CampaignManager) *CampaignHandler {
	return &CampaignHandler{backend: backend}
}

// StartResponse is returned by Start.
type StartResponse struct {
	Campaign *core.Campaign `json:"campaign"`
	Handle   core.Handle    `json:"handle"`
}

// Start handles POST /v1/campaigns
func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req core.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	c, err := h.backend.Start(r.Context(), &req)
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/campaigns/"+url.PathEscape(c.Key))
	status := http.StatusCreated
	if c.IsExisting {
		status = http.StatusOK
	}
	WriteJSON(w, status, StartResponse{Campaign: c, Handle: c.Handle()})
}

// Get handles GET /v1/campaigns/{key}
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.backend.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"campaign": c})
}

// List handles GET /v1/campaigns?status=&limit=
func (h *CampaignHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"limit must be a positive integer.", map[string]any{"limit": v}))
			return
		}
		limit = min(n, maxListLimit)
	}

	campaigns, err := h.backend.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// AwaitRequest is the optional body of Await. An empty RunID awaits the
// key's current run.
type AwaitRequest struct {
	RunID   string `json:"run_id,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// Await handles POST /v1/campaigns/{key}/await. The timeout may also be
// given as a query parameter; without one the call waits until the client
// goes away.
func (h *CampaignHandler) Await(w http.ResponseWriter, r *http.Request) {
	var req AwaitRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if v := r.URL.Query().Get("timeout"); v != "" {
		req.Timeout = v
	}
	if v := r.URL.Query().Get("run_id"); v != "" {
		req.RunID = v
	}

	ctx := r.Context()
	if req.Timeout != "" {
		d, err := core.ParseDuration(req.Timeout)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"timeout must be an ISO 8601 or Go duration.", map[string]any{"timeout": req.Timeout}))
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	outcome, err := h.backend.Await(ctx, core.Handle{Key: chi.URLParam(r, "key"), RunID: req.RunID})
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

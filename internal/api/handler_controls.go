package api

import (
	"net/http"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// ControlHandler exposes the effect gate and the retry level.
type ControlHandler struct {
	controls core.Controls
}

// NewControlHandler creates a new ControlHandler.
func NewControlHandler(controls core.Controls) *ControlHandler {
	return &ControlHandler{controls: controls}
}

// State handles GET /v1/controls
func (h *ControlHandler) State(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, core.ControlState{
		EffectGate: h.controls.EffectGate(),
		RetryLevel: h.controls.RetryLevel(),
	})
}

// GetGate handles GET /v1/controls/gate
func (h *ControlHandler) GetGate(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"open": h.controls.EffectGate()})
}

// SetGate handles PUT /v1/controls/gate
func (h *ControlHandler) SetGate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Open *bool `json:"open"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if req.Open == nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("open is required.", nil))
		return
	}

	prev := h.controls.SetEffectGate(*req.Open)
	WriteJSON(w, http.StatusOK, map[string]any{"open": *req.Open, "previous": prev})
}

// GetRetryLevel handles GET /v1/controls/retry-level
func (h *ControlHandler) GetRetryLevel(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"level":  h.controls.RetryLevel(),
		"levels": core.RetryLevels(),
	})
}

// SetRetryLevel handles PUT /v1/controls/retry-level
func (h *ControlHandler) SetRetryLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	level, err := core.ParseRetryLevel(req.Level)
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(err.Error(),
			map[string]any{"level": req.Level, "allowed": core.RetryLevels()}))
		return
	}

	prev := h.controls.SetRetryLevel(level)
	WriteJSON(w, http.StatusOK, map[string]any{"level": level, "previous": prev})
}

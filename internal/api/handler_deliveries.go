package api

import (
	"net/http"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// DeliveryHandler accepts notifications from remote deliverers.
type DeliveryHandler struct {
	gateway core.DeliveryGateway
}

// NewDeliveryHandler creates a new DeliveryHandler.
func NewDeliveryHandler(gateway core.DeliveryGateway) *DeliveryHandler {
	return &DeliveryHandler{gateway: gateway}
}

// Submit handles POST /v1/deliveries. A closed gate answers 503.
func (h *DeliveryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var rec core.NotificationRecord
	if err := decodeBody(w, r, &rec); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}

	receipt, err := h.gateway.SubmitDelivery(r.Context(), &rec)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

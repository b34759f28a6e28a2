package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

const sseHeartbeatInterval = 15 * time.Second

// SSEHandler streams campaign events as Server-Sent Events.
type SSEHandler struct {
	subscriber core.EventSubscriber
}

// NewSSEHandler creates a new SSEHandler.
func NewSSEHandler(subscriber core.EventSubscriber) *SSEHandler {
	return &SSEHandler{subscriber: subscriber}
}

// Stream handles GET /v1/events. ?key= limits the stream to one campaign.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, core.NewInternalError("Streaming is not supported."))
		return
	}

	var (
		ch    <-chan *core.Event
		unsub func()
		err   error
	)
	if key := r.URL.Query().Get("key"); key != "" {
		ch, unsub, err = h.subscriber.SubscribeCampaign(key)
	} else {
		ch, unsub, err = h.subscriber.SubscribeAll()
	}
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, &core.Error{
			Code: core.ErrCodeUnavailable, Message: err.Error(), Retryable: true,
		})
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

package core

import (
	"context"
)

// CampaignManager handles the campaign lifecycle.
type CampaignManager interface {
	// Start begins a run for the request's key, or attaches to the live run
	// already holding it. Attached results have IsExisting set.
	Start(ctx context.Context, req *StartRequest) (*Campaign, error)
	// Await blocks until the run referenced by h is terminal or ctx ends.
	Await(ctx context.Context, h Handle) (*Outcome, error)
	Get(ctx context.Context, key string) (*Campaign, error)
	List(ctx context.Context, status string, limit int) ([]*Campaign, error)
}

// Controls exposes the global switches.
type Controls interface {
	EffectGate() bool
	SetEffectGate(open bool) bool
	RetryLevel() RetryLevel
	SetRetryLevel(level RetryLevel) RetryLevel
}

// DeliveryGateway accepts notifications on behalf of remote workers.
type DeliveryGateway interface {
	SubmitDelivery(ctx context.Context, rec *NotificationRecord) (*DeliveryReceipt, error)
}

// Backend composes everything the control surfaces need.
type Backend interface {
	CampaignManager
	Controls
	DeliveryGateway

	// Health returns the health status.
	Health(ctx context.Context) (*HealthResponse, error)

	// Close releases the backend's resources.
	Close() error
}

// DeliveryReceipt acknowledges an accepted notification.
type DeliveryReceipt struct {
	Accepted   bool   `json:"accepted"`
	To         string `json:"to"`
	Subject    string `json:"subject"`
	ReceivedAt string `json:"received_at"`
}

// ControlState is the wire form of the global switches.
type ControlState struct {
	EffectGate bool       `json:"effect_gate"`
	RetryLevel RetryLevel `json:"retry_level"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Backend       BackendHealth `json:"backend"`
	Controls      ControlState  `json:"controls"`
}

// BackendHealth represents store-specific health info.
type BackendHealth struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

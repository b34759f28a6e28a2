package core

import (
	"context"
	"time"
)

// Event types for real-time notifications.
const (
	EventCampaignStarted       = "campaign.started"
	EventCampaignCompleted     = "campaign.completed"
	EventCampaignFailed        = "campaign.failed"
	EventNotificationDelivered = "notification.delivered"
	EventNotificationRejected  = "notification.rejected"
	EventServerShutdown        = "server.shutdown"
)

// Event is a campaign or delivery notification sent to observers.
type Event struct {
	Type      string              `json:"event"`
	Key       string              `json:"key,omitempty"`
	RunID     string              `json:"run_id,omitempty"`
	Step      *int                `json:"step,omitempty"`
	Attempt   int                 `json:"attempt,omitempty"`
	Record    *NotificationRecord `json:"record,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Timestamp string              `json:"timestamp"`
	Origin    string              `json:"origin,omitempty"`
}

func newEvent(typ, key, runID string) *Event {
	return &Event{Type: typ, Key: key, RunID: runID, Timestamp: FormatTime(time.Now())}
}

// NewCampaignStartedEvent creates a campaign.started event.
func NewCampaignStartedEvent(key, runID string) *Event {
	return newEvent(EventCampaignStarted, key, runID)
}

// NewCampaignCompletedEvent creates a campaign.completed event.
func NewCampaignCompletedEvent(key, runID string) *Event {
	return newEvent(EventCampaignCompleted, key, runID)
}

// NewCampaignFailedEvent creates a campaign.failed event. Only the failing
// step is reported.
func NewCampaignFailedEvent(key, runID string, step int) *Event {
	e := newEvent(EventCampaignFailed, key, runID)
	e.Step = &step
	return e
}

// NewDeliveredEvent creates a notification.delivered event.
func NewDeliveredEvent(key, runID string, step, attempt int, rec *NotificationRecord) *Event {
	e := newEvent(EventNotificationDelivered, key, runID)
	e.Step = &step
	e.Attempt = attempt
	e.Record = rec
	return e
}

// NewRejectedEvent creates a notification.rejected event.
func NewRejectedEvent(key, runID string, step, attempt int, rec *NotificationRecord, reason string) *Event {
	e := newEvent(EventNotificationRejected, key, runID)
	e.Step = &step
	e.Attempt = attempt
	e.Record = rec
	e.Reason = reason
	return e
}

// EventPublisher defines the interface for publishing real-time events.
type EventPublisher interface {
	// Publish delivers an event to all interested subscribers. It never blocks
	// on slow consumers.
	Publish(ctx context.Context, event *Event) error
	// Close shuts down the publisher.
	Close() error
}

// EventSubscriber defines the interface for subscribing to real-time events.
type EventSubscriber interface {
	// SubscribeCampaign subscribes to events for a single campaign key.
	SubscribeCampaign(key string) (<-chan *Event, func(), error)
	// SubscribeAll subscribes to all events.
	SubscribeAll() (<-chan *Event, func(), error)
}

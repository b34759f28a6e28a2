// Package metrics provides Prometheus instrumentation for the campaign server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CampaignsStarted counts runs created by a start request.
	CampaignsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaigns_started_total",
		Help:      "Total number of campaign runs started.",
	})

	// CampaignsAttached counts start requests that attached to a live run.
	CampaignsAttached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaigns_attached_total",
		Help:      "Total number of start requests that attached to a running campaign.",
	})

	// CampaignsFinished counts runs reaching a terminal status.
	CampaignsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaigns_finished_total",
		Help:      "Total number of campaign runs that reached a terminal status.",
	}, []string{"status"})

	// CampaignDuration tracks the time from start to terminal status.
	CampaignDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ojs",
		Name:      "campaign_duration_seconds",
		Help:      "Duration of campaign runs in seconds.",
		Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300, 900, 3600},
	}, []string{"status"})

	// Transitions counts checkpointed state machine transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaign_transitions_total",
		Help:      "Total number of checkpointed campaign transitions.",
	}, []string{"from", "to"})

	// CheckpointConflicts counts checkpoints rejected because the lease or
	// version moved.
	CheckpointConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaign_checkpoint_conflicts_total",
		Help:      "Total number of checkpoints lost to a newer lease holder.",
	})

	// DeliveryAttempts counts send attempts by retry level and result.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "delivery_attempts_total",
		Help:      "Total number of notification delivery attempts.",
	}, []string{"level", "result"})

	// DeliveryDuration tracks the latency of single attempts.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ojs",
		Name:      "delivery_attempt_duration_seconds",
		Help:      "Duration of notification delivery attempts in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// DeliveriesSubmitted counts inbound submitDelivery calls.
	DeliveriesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "deliveries_submitted_total",
		Help:      "Total number of inbound delivery submissions.",
	}, []string{"result"})

	// CampaignsPromoted counts due campaigns claimed by the promoter.
	CampaignsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaigns_promoted_total",
		Help:      "Total number of due campaigns claimed and dispatched.",
	})

	// TasksDispatched counts tasks handed to a dispatcher.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "tasks_dispatched_total",
		Help:      "Total number of campaign tasks dispatched.",
	}, []string{"dispatcher", "result"})

	// TasksStale counts tasks whose lease was no longer valid on arrival.
	TasksStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "tasks_stale_total",
		Help:      "Total number of tasks discarded because their lease was superseded.",
	})

	// WorkersActive tracks tasks currently being driven by this process.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojs",
		Name:      "workers_active",
		Help:      "Number of campaign tasks currently running.",
	})

	// CampaignsPurged counts terminal records removed by the retention sweep.
	CampaignsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "campaigns_purged_total",
		Help:      "Total number of terminal campaign records purged.",
	})

	// EffectGate is 1 while deliveries are allowed.
	EffectGate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojs",
		Name:      "effect_gate_open",
		Help:      "Whether notification delivery is currently enabled.",
	})

	// RetryLevel is 1 for the level in force and 0 for the others.
	RetryLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ojs",
		Name:      "retry_level",
		Help:      "Retry level currently in force.",
	}, []string{"level"})

	// EventsDropped counts events dropped for full consumers.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "events_dropped_total",
		Help:      "Total number of events dropped because a consumer was full.",
	}, []string{"consumer"})

	// ServerInfo exposes static server metadata as labels.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ojs",
		Name:      "server_info",
		Help:      "Static server metadata.",
	}, []string{"version", "backend"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ojs",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ojs",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})
)

// Init sets static server metadata on the info metric.
func Init(version, backend string) {
	ServerInfo.WithLabelValues(version, backend).Set(1)
}

// SetControls mirrors the global switches into their gauges.
func SetControls(gateOpen bool, level string, levels []string) {
	if gateOpen {
		EffectGate.Set(1)
	} else {
		EffectGate.Set(0)
	}
	for _, l := range levels {
		if l == level {
			RetryLevel.WithLabelValues(l).Set(1)
		} else {
			RetryLevel.WithLabelValues(l).Set(0)
		}
	}
}

// Package engine drives campaign runs: it starts them, advances their state
// machine one checkpointed transition at a time, executes send effects under
// the retry level in force and resumes suspended runs when they fall due.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
	"github.com/openjobspec/ojs-campaigns/internal/state"
)

// Deliverer performs one notification send.
type Deliverer interface {
	Deliver(ctx context.Context, rec *core.NotificationRecord) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, rec *core.NotificationRecord) error

func (f DelivererFunc) Deliver(ctx context.Context, rec *core.NotificationRecord) error {
	return f(ctx, rec)
}

// Dispatcher hands a claimed run to some worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *core.Task) error
}

// Clock abstracts time for the timer and lease bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	// NodeID identifies this process as a lease owner.
	NodeID string
	// StoreType is reported by Health.
	StoreType      string
	Template       core.Template
	RetryInterval  time.Duration
	AttemptTimeout time.Duration
	// LeaseTTL bounds how long a crashed worker keeps a run locked.
	LeaseTTL time.Duration
	// ClaimTTL bounds how long a dispatched task may wait for a worker.
	ClaimTTL     time.Duration
	PollInterval time.Duration
	PromoteBatch int
	Workers      int
	// Retention is how long terminal runs are kept. Zero keeps them forever.
	Retention time.Duration
}

const (
	DefaultAttemptTimeout = time.Second
	DefaultLeaseTTL       = 30 * time.Second
	DefaultClaimTTL       = 30 * time.Second
	DefaultPollInterval   = time.Second
	DefaultPromoteBatch   = 100
	DefaultWorkers        = 16
)

func (o Options) withDefaults() Options {
	if o.NodeID == "" {
		host, _ := os.Hostname()
		o.NodeID = fmt.Sprintf("%s-%s", host, core.NewLeaseToken()[:8])
	}
	if o.StoreType == "" {
		o.StoreType = "unknown"
	}
	if len(o.Template.Steps) == 0 {
		o.Template = core.DefaultTemplate(core.DefaultWait)
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = core.DefaultRetryInterval
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = DefaultPromoteBatch
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	return o
}

// Engine implements core.Backend on top of a state.Store.
type Engine struct {
	store      state.Store
	settings   *core.Settings
	events     core.EventPublisher
	dispatcher Dispatcher
	pool       *WorkerPool
	clock      Clock
	opts       Options
	logger     *slog.Logger
	startTime  time.Time

	executor *Executor
	timer    *Timer
	machine  *Machine
	registry *registry
	starts   singleflight.Group
}

// New creates an engine. Tasks run on an in-process worker pool until
// SetDispatcher routes them elsewhere.
func New(store state.Store, settings *core.Settings, deliverer Deliverer, events core.EventPublisher, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Template.Validate(); err != nil {
		return nil, err
	}
	if settings == nil {
		settings = core.NewSettings(core.RetryDurable)
	}
	if events == nil {
		events = nopPublisher{}
	}

	e := &Engine{
		store:     store,
		settings:  settings,
		events:    events,
		clock:     systemClock{},
		opts:      opts,
		logger:    slog.Default(),
		startTime: time.Now(),
		registry:  newRegistry(),
	}
	e.timer = &Timer{clock: e.clock}
	e.executor = newExecutor(settings, deliverer, events, e.clock, opts.RetryInterval, opts.AttemptTimeout)
	e.machine = &Machine{template: opts.Template, executor: e.executor, timer: e.timer, clock: e.clock}
	e.pool = NewWorkerPool(e, opts.Workers)
	e.dispatcher = e.pool

	metrics.SetControls(settings.EffectGate(), string(settings.RetryLevel()), levelNames())
	return e, nil
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	e.logger = logger
	e.executor.logger = logger
	e.pool.logger = logger
}

// SetDispatcher routes tasks to d instead of the in-process pool.
func (e *Engine) SetDispatcher(d Dispatcher) {
	if d != nil {
		e.dispatcher = d
	}
}

// SetClock replaces the clock used for timers, leases and timestamps.
func (e *Engine) SetClock(c Clock) {
	if c == nil {
		return
	}
	e.clock = c
	e.timer.clock = c
	e.executor.clock = c
	e.machine.clock = c
}

// NodeID returns the lease owner name of this process.
func (e *Engine) NodeID() string {
	return e.opts.NodeID
}

// Settings exposes the global switches the engine reads.
func (e *Engine) Settings() *core.Settings {
	return e.settings
}

// Get returns the latest checkpoint of key.
func (e *Engine) Get(ctx context.Context, key string) (*core.Campaign, error) {
	rec, err := e.store.GetCampaign(ctx, key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("Campaign", key)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return state.RecordToCampaign(rec)
}

// List returns campaigns, newest first.
func (e *Engine) List(ctx context.Context, status string, limit int) ([]*core.Campaign, error) {
	if err := core.ValidateStatusFilter(status); err != nil {
		return nil, err
	}
	records, err := e.store.ListCampaigns(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]*core.Campaign, 0, len(records))
	for _, rec := range records {
		c, err := state.RecordToCampaign(rec)
		if err != nil {
			e.logger.Error("skipping unreadable campaign", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// EffectGate reports whether deliveries are allowed.
func (e *Engine) EffectGate() bool {
	return e.settings.EffectGate()
}

// SetEffectGate opens or closes the gate and returns the previous value.
func (e *Engine) SetEffectGate(open bool) bool {
	prev := e.settings.SetEffectGate(open)
	metrics.SetControls(open, string(e.settings.RetryLevel()), levelNames())
	if prev != open {
		e.logger.Info("effect gate changed", "open", open)
	}
	return prev
}

// RetryLevel returns the level in force.
func (e *Engine) RetryLevel() core.RetryLevel {
	return e.settings.RetryLevel()
}

// SetRetryLevel replaces the level and returns the previous one.
func (e *Engine) SetRetryLevel(level core.RetryLevel) core.RetryLevel {
	prev := e.settings.SetRetryLevel(level)
	metrics.SetControls(e.settings.EffectGate(), string(level), levelNames())
	if prev != level {
		e.logger.Info("retry level changed", "from", prev, "to", level)
	}
	return prev
}

// Health reports store reachability and the current switches.
func (e *Engine) Health(ctx context.Context) (*core.HealthResponse, error) {
	start := time.Now()
	err := e.store.Ping(ctx)
	latency := time.Since(start).Milliseconds()

	resp := &core.HealthResponse{
		Status:        "ok",
		Version:       core.ServiceVersion,
		UptimeSeconds: int64(time.Since(e.startTime).Seconds()),
		Backend: core.BackendHealth{
			Type:      e.opts.StoreType,
			Status:    "connected",
			LatencyMs: latency,
		},
		Controls: core.ControlState{
			EffectGate: e.settings.EffectGate(),
			RetryLevel: e.settings.RetryLevel(),
		},
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Backend.Status = "disconnected"
		resp.Backend.Error = err.Error()
		return resp, err
	}
	return resp, nil
}

// Close stops the in-process workers and closes the store. Runs interrupted
// mid-step resume elsewhere once their lease expires.
func (e *Engine) Close() error {
	e.pool.Close()
	return e.store.Close()
}

func levelNames() []string {
	levels := core.RetryLevels()
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = string(l)
	}
	return out
}

// publish reports event to observers. Publishers never block on slow
// observers, so a failure here is only logged.
func (e *Engine) publish(ctx context.Context, event *core.Event) {
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish campaign event", "event", event.Type, "key", event.Key, "error", err)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *core.Event) error { return nil }
func (nopPublisher) Close() error                               { return nil }

var _ core.Backend = (*Engine)(nil)

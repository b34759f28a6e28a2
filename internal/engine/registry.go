package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
	"github.com/openjobspec/ojs-campaigns/internal/state"
)

// instance is the in-memory view of one run that awaiters block on.
type instance struct {
	handle   core.Handle
	done     chan struct{}
	outcome  *core.Outcome
	awaiters int
}

// registry tracks runs awaited in this process. It only provides wake-ups;
// the store stays the source of truth.
type registry struct {
	mu        sync.Mutex
	instances map[core.Handle]*instance
}

func newRegistry() *registry {
	return &registry{instances: make(map[core.Handle]*instance)}
}

func (r *registry) acquire(h core.Handle) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[h]
	if !ok {
		inst = &instance{handle: h, done: make(chan struct{})}
		r.instances[h] = inst
	}
	inst.awaiters++
	return inst
}

// release drops an awaiter. An unfinished instance nobody waits on is
// forgotten at once; finished ones stay until the next prune.
func (r *registry) release(inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.awaiters--
	if inst.awaiters == 0 && inst.outcome == nil {
		delete(r.instances, inst.handle)
	}
}

func (r *registry) finish(c *core.Campaign) {
	h := c.Handle()
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[h]
	if !ok || inst.outcome != nil {
		return
	}
	inst.outcome = core.OutcomeOf(c)
	close(inst.done)
}

// prune drops terminal instances nobody is waiting on. An instance still
// held by an awaiter is kept.
func (r *registry) prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for h, inst := range r.instances {
		if inst.outcome != nil && inst.awaiters == 0 {
			delete(r.instances, h)
			n++
		}
	}
	return n
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

const startAttempts = 3

// Start begins a run for the request's key or attaches to its live run.
// Concurrent starts for one key in this process share a single store round
// trip; across processes the store's conditional create picks one winner.
func (e *Engine) Start(ctx context.Context, req *core.StartRequest) (*core.Campaign, error) {
	if err := core.ValidateStartRequest(req); err != nil {
		return nil, err
	}
	key := core.CampaignKey(req)

	v, err, _ := e.starts.Do(key, func() (any, error) {
		return e.start(context.WithoutCancel(ctx), key, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Campaign).Clone(), nil
}

func (e *Engine) start(ctx context.Context, key string, req *core.StartRequest) (*core.Campaign, error) {
	input := core.StartRequest{Key: key, Email: strings.TrimSpace(req.Email)}

	for i := 0; i < startAttempts; i++ {
		now := e.clock.Now()
		c := core.NewCampaign(key, core.NewRunID(), input, e.opts.Template, now)
		token := core.NewLeaseToken()

		rec := state.CampaignToRecord(c)
		rec.LeaseToken = token
		rec.LeaseUntilMs = now.Add(e.opts.ClaimTTL).UnixMilli()

		err := e.store.CreateCampaign(ctx, rec)
		if err == nil {
			e.started(ctx, c, token)
			return c, nil
		}
		if !errors.Is(err, state.ErrAlreadyExists) {
			return nil, fmt.Errorf("create campaign: %w", err)
		}

		existing, err := e.store.GetCampaign(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load running campaign: %w", err)
		}
		if state.IsTerminalRecord(existing) {
			// Finished between our create and our read; try again.
			continue
		}

		attached, err := state.RecordToCampaign(existing)
		if err != nil {
			return nil, err
		}
		metrics.CampaignsAttached.Inc()
		attached.IsExisting = true
		e.logger.Info("attached to running campaign", "key", key, "run_id", attached.RunID)
		return attached, nil
	}
	return nil, core.NewConflictError("Campaign start raced with concurrent runs; retry.",
		map[string]any{"key": key})
}

func (e *Engine) started(ctx context.Context, c *core.Campaign, token string) {
	metrics.CampaignsStarted.Inc()
	e.logger.Info("campaign started", "key", c.Key, "run_id", c.RunID)
	e.publish(ctx, core.NewCampaignStartedEvent(c.Key, c.RunID))

	e.dispatch(ctx, &core.Task{
		Key:        c.Key,
		RunID:      c.RunID,
		Version:    c.Version,
		LeaseToken: token,
	})
}

// dispatch hands task to the configured dispatcher. A failed dispatch is
// not fatal: the claim expires and the promoter picks the run up again.
func (e *Engine) dispatch(ctx context.Context, task *core.Task) {
	task.DispatchedAt = core.FormatTime(e.clock.Now())
	if err := e.dispatcher.Dispatch(ctx, task); err != nil {
		metrics.TasksDispatched.WithLabelValues(dispatcherName(e.dispatcher), "error").Inc()
		e.logger.Warn("failed to dispatch campaign task, it will be reclaimed",
			"key", task.Key, "run_id", task.RunID, "error", err)
		return
	}
	metrics.TasksDispatched.WithLabelValues(dispatcherName(e.dispatcher), "ok").Inc()
}

func dispatcherName(d Dispatcher) string {
	if n, ok := d.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}

// Await blocks until the run referenced by h is terminal. An empty RunID
// awaits whatever run currently holds the key. Runs driven by other
// processes are noticed by polling the store.
func (e *Engine) Await(ctx context.Context, h core.Handle) (*core.Outcome, error) {
	if h.RunID == "" {
		c, err := e.Get(ctx, h.Key)
		if err != nil {
			return nil, err
		}
		h.RunID = c.RunID
	}

	inst := e.registry.acquire(h)
	defer e.registry.release(inst)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-inst.done:
			return inst.outcome, nil
		default:
		}
		if out, err := e.pollOutcome(ctx, h); out != nil || err != nil {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inst.done:
			return inst.outcome, nil
		case <-ticker.C:
		}
	}
}

// pollOutcome returns the outcome of h if the store shows it terminal.
func (e *Engine) pollOutcome(ctx context.Context, h core.Handle) (*core.Outcome, error) {
	rec, err := e.store.GetCampaign(ctx, h.Key)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("Campaign", h.Key)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("await poll failed", "key", h.Key, "error", err)
		return nil, nil
	}
	if rec.RunID != h.RunID {
		// Only a finished run can be replaced; its outcome is gone.
		return nil, core.NewNotFoundError("Campaign run", h.RunID)
	}
	if !state.IsTerminalRecord(rec) {
		return nil, nil
	}
	c, err := state.RecordToCampaign(rec)
	if err != nil {
		return nil, err
	}
	return core.OutcomeOf(c), nil
}

// PromoteDue claims runs whose timer or durable retry has fallen due and
// dispatches them.
func (e *Engine) PromoteDue(ctx context.Context) error {
	now := e.clock.Now()
	keys, err := e.store.GetDueCampaigns(ctx, now.UnixMilli(), e.opts.PromoteBatch)
	if err != nil {
		return fmt.Errorf("get due campaigns: %w", err)
	}

	for _, key := range keys {
		token := core.NewLeaseToken()
		rec, err := e.store.ClaimDue(ctx, key, now.UnixMilli(), token, now.Add(e.opts.ClaimTTL).UnixMilli())
		if err != nil {
			if errors.Is(err, state.ErrConflict) {
				continue
			}
			e.logger.Error("failed to claim due campaign", "key", key, "error", err)
			continue
		}
		metrics.CampaignsPromoted.Inc()
		e.dispatch(ctx, &core.Task{
			Key:        rec.Key,
			RunID:      rec.RunID,
			Version:    rec.Version,
			LeaseToken: token,
		})
	}
	return nil
}

// Sweep forgets finished runs nobody awaits and purges terminal records
// older than the retention window.
func (e *Engine) Sweep(ctx context.Context) error {
	pruned := e.registry.prune()
	if pruned > 0 {
		e.logger.Debug("pruned finished campaign instances", "count", pruned)
	}
	if e.opts.Retention <= 0 {
		return nil
	}
	before := e.clock.Now().Add(-e.opts.Retention).UnixMilli()
	n, err := e.store.PurgeTerminal(ctx, before)
	if err != nil {
		return fmt.Errorf("purge terminal campaigns: %w", err)
	}
	if n > 0 {
		metrics.CampaignsPurged.Add(float64(n))
		e.logger.Info("purged terminal campaigns", "count", n)
	}
	return nil
}

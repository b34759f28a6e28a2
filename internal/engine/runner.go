package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
	"github.com/openjobspec/ojs-campaigns/internal/state"
	"github.com/openjobspec/ojs-campaigns/internal/tracing"
)

const checkpointTimeout = 10 * time.Second

// HandleTask drives the run named by task until it suspends, finishes or
// loses its lease. A task whose claim was superseded is discarded without
// error, so queue consumers may acknowledge it.
func (e *Engine) HandleTask(ctx context.Context, task *core.Task) error {
	rec, err := e.store.AcquireLease(ctx, task.Key, task.LeaseToken, e.opts.NodeID, e.leaseUntil())
	if err != nil {
		if errors.Is(err, state.ErrConflict) {
			metrics.TasksStale.Inc()
			e.logger.Debug("discarding stale campaign task", "key", task.Key, "run_id", task.RunID)
			return nil
		}
		return fmt.Errorf("acquire lease for %s: %w", task.Key, err)
	}
	if rec.RunID != task.RunID || state.IsTerminalRecord(rec) {
		metrics.TasksStale.Inc()
		return nil
	}
	c, err := state.RecordToCampaign(rec)
	if err != nil {
		return err
	}

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hb := e.startHeartbeat(runCtx, cancel, task.Key, task.LeaseToken)
	defer hb.stop()

	return e.drive(runCtx, c, task.LeaseToken, hb)
}

// drive checkpoints one transition at a time. It returns nil when the run
// suspends or when the lease is lost; in the latter case the new holder
// carries on from the last checkpoint.
func (e *Engine) drive(ctx context.Context, c *core.Campaign, token string, hb *heartbeat) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		stepCtx, span := tracing.StartSpan(ctx, "campaign.advance",
			tracing.CampaignKey(c.Key), tracing.RunID(c.RunID), tracing.State(c.State))
		t, err := e.machine.Advance(stepCtx, c)
		if err != nil {
			span.End()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if t.Suspend {
			hb.stop()
		}

		err = e.checkpoint(ctx, c.Version, t.Next, token, t.Suspend)
		if err != nil {
			tracing.RecordError(span, err)
			span.End()
			if errors.Is(err, state.ErrConflict) {
				metrics.CheckpointConflicts.Inc()
				e.logger.Warn("campaign lease lost, leaving run to its new holder",
					"key", c.Key, "run_id", c.RunID, "state", c.State)
				return nil
			}
			return err
		}
		span.End()

		e.transitioned(ctx, t)
		if t.Suspend {
			return nil
		}
		c = t.Next
	}
}

// checkpoint persists next as version expected+1. The write is not tied to
// ctx: an effect that already happened must be recorded even during
// shutdown, and the token fences it if the lease was lost meanwhile.
func (e *Engine) checkpoint(ctx context.Context, expected int64, next *core.Campaign, token string, release bool) error {
	next.Version = expected + 1
	next.UpdatedAt = core.FormatTime(e.clock.Now())

	rec := state.CampaignToRecord(next)
	if !release {
		rec.LeaseToken = token
		rec.LeaseOwner = e.opts.NodeID
		rec.LeaseUntilMs = e.leaseUntil()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	return e.store.Checkpoint(writeCtx, rec, expected, token)
}

// transitioned reports a durable transition to metrics, events and local
// awaiters.
func (e *Engine) transitioned(ctx context.Context, t *Transition) {
	next := t.Next
	if t.From != next.State {
		metrics.Transitions.WithLabelValues(t.From, next.State).Inc()
		e.logger.Info("campaign transition",
			"key", next.Key, "run_id", next.RunID, "from", t.From, "to", next.State, "version", next.Version)
	}
	if t.From == next.State || !next.IsTerminal() {
		return
	}

	metrics.CampaignsFinished.WithLabelValues(next.Status).Inc()
	if created, err := time.Parse(core.TimeFormat, next.CreatedAt); err == nil {
		metrics.CampaignDuration.WithLabelValues(next.Status).Observe(e.clock.Now().Sub(created).Seconds())
	}

	var event *core.Event
	if next.Status == core.StatusCompleted {
		event = core.NewCampaignCompletedEvent(next.Key, next.RunID)
	} else {
		event = core.NewCampaignFailedEvent(next.Key, next.RunID, *next.FailedStep)
	}
	e.registry.finish(next)
	e.publish(context.WithoutCancel(ctx), event)
}

func (e *Engine) leaseUntil() int64 {
	return e.clock.Now().Add(e.opts.LeaseTTL).UnixMilli()
}

// heartbeat keeps a held lease alive while a run executes. Losing the lease
// cancels the run.
type heartbeat struct {
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (e *Engine) startHeartbeat(ctx context.Context, cancel context.CancelFunc, key, token string) *heartbeat {
	hb := &heartbeat{done: make(chan struct{})}
	interval := e.opts.LeaseTTL / 3

	hb.wg.Add(1)
	go func() {
		defer hb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.store.ExtendLease(ctx, key, token, e.opts.NodeID, e.leaseUntil())
				if errors.Is(err, state.ErrConflict) {
					e.logger.Warn("campaign lease lost", "key", key)
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					e.logger.Error("failed to extend campaign lease", "key", key, "error", err)
				}
			}
		}
	}()
	return hb
}

// stop ends the heartbeat and waits for it. Safe to call more than once.
func (hb *heartbeat) stop() {
	hb.once.Do(func() { close(hb.done) })
	hb.wg.Wait()
}

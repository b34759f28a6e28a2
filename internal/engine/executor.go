package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
	"github.com/openjobspec/ojs-campaigns/internal/tracing"
)

// ResultKind classifies how a send step ended.
type ResultKind int

const (
	// ResultSucceeded means the notification was delivered.
	ResultSucceeded ResultKind = iota
	// ResultRetry means the step must be retried at RetryAt by whoever
	// claims the run next.
	ResultRetry
	// ResultTerminal means the step failed for good.
	ResultTerminal
)

func (k ResultKind) String() string {
	switch k {
	case ResultSucceeded:
		return "succeeded"
	case ResultRetry:
		return "retry"
	case ResultTerminal:
		return "terminal"
	}
	return "unknown"
}

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Kind ResultKind
	// Attempts is the step's total attempt count, including earlier runs.
	Attempts int
	RetryAt  time.Time
	Err      error
}

// Executor performs send effects under the retry level in force.
type Executor struct {
	settings       *core.Settings
	deliverer      Deliverer
	events         core.EventPublisher
	clock          Clock
	interval       time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
}

func newExecutor(settings *core.Settings, deliverer Deliverer, events core.EventPublisher, clock Clock, interval, attemptTimeout time.Duration) *Executor {
	return &Executor{
		settings:       settings,
		deliverer:      deliverer,
		events:         events,
		clock:          clock,
		interval:       interval,
		attemptTimeout: attemptTimeout,
		logger:         slog.Default(),
	}
}

// Execute sends step of c until it succeeds, fails terminally or, at the
// durable level, must be rescheduled. The retry level is read before every
// attempt. The only error returned is ctx's, in which case nothing about the
// step should be checkpointed.
func (x *Executor) Execute(ctx context.Context, c *core.Campaign, step int, tpl core.TemplateStep) (ExecResult, error) {
	attempts := c.Steps[step].Attempts
	level := x.settings.RetryLevel()
	policy := core.ResolvePolicy(level, x.interval)

	if level == core.RetryLocal {
		res, changed, err := x.runLocal(ctx, c, step, tpl, &attempts, policy)
		if err != nil || !changed {
			return res, err
		}
		// The level moved while we were retrying: judge the last failure
		// under the new one.
		return x.settle(level, x.settings.RetryLevel(), attempts, res.Err), nil
	}

	attempts++
	err := x.attempt(ctx, c, step, tpl, attempts, level)
	if ctx.Err() != nil {
		return ExecResult{}, ctx.Err()
	}
	if err == nil {
		return ExecResult{Kind: ResultSucceeded, Attempts: attempts}, nil
	}
	if policy.IsNonRetryable(err) || policy.Exhausted(attempts) {
		return ExecResult{Kind: ResultTerminal, Attempts: attempts, Err: err}, nil
	}
	return ExecResult{
		Kind:     ResultRetry,
		Attempts: attempts,
		RetryAt:  x.clock.Now().Add(core.CalculateBackoff(&policy, attempts)),
		Err:      err,
	}, nil
}

// runLocal retries in-process until success, a non-retryable error or a
// change of retry level. changed reports the last case. The first backoff
// gives back the caller's worker slot, so the wait occupies no dispatcher
// capacity.
func (x *Executor) runLocal(ctx context.Context, c *core.Campaign, step int, tpl core.TemplateStep, attempts *int, policy core.RetryPolicy) (ExecResult, bool, error) {
	var (
		lastErr error
		changed bool
	)
	err := retry.Do(
		func() error {
			if level := x.settings.RetryLevel(); level != core.RetryLocal {
				changed = true
				return retry.Unrecoverable(errLevelChanged)
			}
			*attempts++
			lastErr = x.attempt(ctx, c, step, tpl, *attempts, core.RetryLocal)
			return lastErr
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(core.CalculateBackoff(&policy, 1)),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !policy.IsNonRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			core.ReleaseSlot(ctx)
			x.logger.Debug("retrying notification in process",
				"key", c.Key, "step", step, "attempt", *attempts, "error", err)
		}),
	)
	if ctx.Err() != nil {
		return ExecResult{}, false, ctx.Err()
	}
	if changed {
		return ExecResult{Attempts: *attempts, Err: lastErr}, true, nil
	}
	if err == nil {
		return ExecResult{Kind: ResultSucceeded, Attempts: *attempts}, false, nil
	}
	return ExecResult{Kind: ResultTerminal, Attempts: *attempts, Err: lastErr}, false, nil
}

var errLevelChanged = errors.New("retry level changed")

// settle decides a failure left by the local loop under the level now in
// force. A durable level takes over the retry loop immediately since the
// local loop already waited out the backoff.
func (x *Executor) settle(from, to core.RetryLevel, attempts int, lastErr error) ExecResult {
	x.logger.Info("retry level changed during local retries", "from", from, "to", to, "attempts", attempts)
	if lastErr == nil {
		// Level moved before the first attempt; retry at once under the new level.
		return ExecResult{Kind: ResultRetry, Attempts: attempts, RetryAt: x.clock.Now()}
	}
	if to == core.RetryNone {
		return ExecResult{Kind: ResultTerminal, Attempts: attempts, Err: lastErr}
	}
	return ExecResult{Kind: ResultRetry, Attempts: attempts, RetryAt: x.clock.Now(), Err: lastErr}
}

// attempt performs a single send: gate check, then delivery bounded by the
// attempt timeout. Every attempt is published.
func (x *Executor) attempt(ctx context.Context, c *core.Campaign, step int, tpl core.TemplateStep, n int, level core.RetryLevel) error {
	ctx, span := tracing.StartSpan(ctx, "campaign.deliver",
		tracing.CampaignKey(c.Key), tracing.RunID(c.RunID), tracing.Step(step),
		tracing.Attempt(n), tracing.RetryLevel(string(level)))
	defer span.End()

	rec := core.NewNotificationRecord(c.Input.Email, tpl, x.clock.Now())
	start := time.Now()

	var err error
	if !x.settings.EffectGate() {
		err = core.ErrGateClosed
	} else {
		err = x.deliver(ctx, rec)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DeliveryAttempts.WithLabelValues(string(level), "rejected").Inc()
		tracing.RecordError(span, err)
		x.logger.Warn("notification rejected",
			"key", c.Key, "run_id", c.RunID, "step", step, "attempt", n, "level", level, "error", err)
		x.publish(ctx, core.NewRejectedEvent(c.Key, c.RunID, step, n, rec, err.Error()))
		return err
	}

	metrics.DeliveryAttempts.WithLabelValues(string(level), "delivered").Inc()
	tracing.SetOK(span)
	x.logger.Info("notification delivered",
		"key", c.Key, "run_id", c.RunID, "step", step, "attempt", n, "subject", rec.Subject)
	x.publish(ctx, core.NewDeliveredEvent(c.Key, c.RunID, step, n, rec))
	return nil
}

// deliver runs the deliverer under the attempt timeout. A deliverer that
// ignores its context is abandoned when the timeout fires.
func (x *Executor) deliver(ctx context.Context, rec *core.NotificationRecord) error {
	if x.deliverer == nil {
		return core.Permanent(errors.New("no deliverer configured"))
	}
	attemptCtx, cancel := context.WithTimeout(ctx, x.attemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- x.deliverer.Deliver(attemptCtx, rec)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return core.ErrAttemptTimeout
		}
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.ErrAttemptTimeout
	}
}

func (x *Executor) publish(ctx context.Context, event *core.Event) {
	if err := x.events.Publish(ctx, event); err != nil {
		x.logger.Warn("failed to publish campaign event", "event", event.Type, "key", event.Key, "error", err)
	}
}

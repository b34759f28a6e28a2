package engine

import (
	"context"
	"fmt"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// Transition is one step of the state machine, ready to be checkpointed.
type Transition struct {
	From string
	// Next is the campaign after the transition. It is a copy; the input
	// campaign is never modified.
	Next *core.Campaign
	// Suspend means the run stops after this checkpoint and releases its
	// lease, either because it is terminal or because it is waiting for a
	// timer or a durable retry.
	Suspend bool
}

// Machine computes transitions. It performs the send effect of send states
// but never persists anything; the runner checkpoints each transition
// before asking for the next one.
type Machine struct {
	template core.Template
	executor *Executor
	timer    *Timer
	clock    Clock
}

// Advance performs exactly one transition of c.
func (m *Machine) Advance(ctx context.Context, c *core.Campaign) (*Transition, error) {
	if c.IsTerminal() || core.IsTerminalState(c.State) {
		return nil, fmt.Errorf("campaign %s is already %s", c.Key, c.Status)
	}
	if !core.IsKnownState(c.State) {
		return nil, fmt.Errorf("campaign %s has unknown state %q", c.Key, c.State)
	}
	if len(c.Steps) != len(m.template.Steps) {
		return nil, fmt.Errorf("campaign %s has %d steps, template has %d", c.Key, len(c.Steps), len(m.template.Steps))
	}

	next := c.Clone()
	t := &Transition{From: c.State, Next: next}

	switch {
	case core.IsSendState(c.State):
		if !m.timer.Due(c) {
			// Scheduled retry that is not due yet.
			t.Suspend = true
			return t, nil
		}
		step := core.StepIndex(c.State)
		res, err := m.executor.Execute(ctx, c, step, m.template.Steps[step])
		if err != nil {
			return nil, err
		}
		next.Steps[step].Attempts = res.Attempts
		switch res.Kind {
		case ResultSucceeded:
			next.Steps[step].Outcome = core.StepSucceeded
			to, _ := core.NextState(c.State)
			m.enter(next, to)
			t.Suspend = next.IsTerminal()
		case ResultRetry:
			m.timer.RetryAt(next, res.RetryAt)
			t.Suspend = true
		case ResultTerminal:
			next.Steps[step].Outcome = core.StepFailed
			failed := step
			next.FailedStep = &failed
			m.enter(next, core.StateFailed)
			t.Suspend = true
		}

	case core.IsWaitingState(c.State):
		if !m.timer.Due(c) {
			t.Suspend = true
			return t, nil
		}
		next.Steps[core.StepIndex(c.State)].Outcome = core.StepSucceeded
		to, _ := core.NextState(c.State)
		m.enter(next, to)

	default:
		// stepN_done: start the wait that follows the send.
		to, _ := core.NextState(c.State)
		m.enter(next, to)
		wait := m.template.Steps[core.StepIndex(to)].Wait
		m.timer.Sleep(next, wait)
		t.Suspend = true
	}
	return t, nil
}

// enter moves c into state to, keeping status and step in line with it.
func (m *Machine) enter(c *core.Campaign, to string) {
	now := m.clock.Now()
	c.State = to
	switch to {
	case core.StateCompleted:
		c.Status = core.StatusCompleted
		c.CompletedAt = core.FormatTime(now)
	case core.StateFailed:
		c.Status = core.StatusFailed
		c.CompletedAt = core.FormatTime(now)
	default:
		c.Step = core.StepIndex(to)
		c.ResumeAt = now
	}
}

package engine

import (
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// Timer suspends runs by scheduling them instead of blocking a goroutine.
// A sleeping run is a checkpoint with a resume time; the promoter hands it
// to a worker once that time has passed.
type Timer struct {
	clock Clock
}

// Sleep schedules c to resume after d.
func (t *Timer) Sleep(c *core.Campaign, d time.Duration) {
	c.ResumeAt = t.clock.Now().Add(d)
}

// RetryAt schedules c to resume at an absolute time.
func (t *Timer) RetryAt(c *core.Campaign, at time.Time) {
	c.ResumeAt = at
}

// Due reports whether c may resume now.
func (t *Timer) Due(c *core.Campaign) bool {
	return !t.clock.Now().Before(c.ResumeAt)
}

package core

import (
	"strings"
	"time"
)

const (
	ServiceVersion = "0.1.0"
	MediaType      = "application/json"
	TimeFormat     = "2006-01-02T15:04:05.000Z"
)

// FormatTime formats a time as ISO 8601 UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time formatted as ISO 8601 UTC.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// Campaign statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Per-step outcomes.
const (
	StepPending   = "pending"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// StartRequest is the input of a campaign start.
type StartRequest struct {
	Key   string `json:"key,omitempty"`
	Email string `json:"email"`
}

// CampaignKey returns the key a start request runs under. An explicit key
// wins; otherwise the key is derived from the recipient address.
func CampaignKey(req *StartRequest) string {
	if k := strings.TrimSpace(req.Key); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(req.Email))
}

// StepStatus tracks one step of the campaign template.
type StepStatus struct {
	Kind     string `json:"kind"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
}

// Campaign is one run of the notification sequence for a key.
type Campaign struct {
	Key         string       `json:"key"`
	RunID       string       `json:"run_id"`
	State       string       `json:"state"`
	Status      string       `json:"status"`
	Step        int          `json:"step"`
	Steps       []StepStatus `json:"steps"`
	FailedStep  *int         `json:"failed_step,omitempty"`
	Input       StartRequest `json:"input"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at,omitempty"`
	CompletedAt string       `json:"completed_at,omitempty"`
	ResumeAt    time.Time    `json:"-"`
	Version     int64        `json:"version"`

	// IsExisting is set when a start request attached to a live run.
	IsExisting bool `json:"-"`
}

// NewCampaign builds the initial run for key, positioned on the first send.
func NewCampaign(key, runID string, input StartRequest, tpl Template, now time.Time) *Campaign {
	steps := make([]StepStatus, len(tpl.Steps))
	for i, s := range tpl.Steps {
		steps[i] = StepStatus{Kind: s.Kind, Outcome: StepPending}
	}
	return &Campaign{
		Key:       key,
		RunID:     runID,
		State:     StateStep0Pending,
		Status:    StatusRunning,
		Step:      0,
		Steps:     steps,
		Input:     input,
		CreatedAt: FormatTime(now),
		UpdatedAt: FormatTime(now),
		ResumeAt:  now,
		Version:   1,
	}
}

// Handle returns the reference awaiters use for this run.
func (c *Campaign) Handle() Handle {
	return Handle{Key: c.Key, RunID: c.RunID}
}

// IsTerminal reports whether the run reached completed or failed.
func (c *Campaign) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Steps = append([]StepStatus(nil), c.Steps...)
	if c.FailedStep != nil {
		step := *c.FailedStep
		cp.FailedStep = &step
	}
	return &cp
}

// Handle references one run of a campaign.
type Handle struct {
	Key   string `json:"key"`
	RunID string `json:"run_id"`
}

// Outcome is the terminal result reported to awaiters.
type Outcome struct {
	Key        string `json:"key"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	FailedStep *int   `json:"failed_step,omitempty"`
}

// OutcomeOf returns the outcome of a terminal campaign.
func OutcomeOf(c *Campaign) *Outcome {
	o := &Outcome{Key: c.Key, RunID: c.RunID, Status: c.Status}
	if c.FailedStep != nil {
		step := *c.FailedStep
		o.FailedStep = &step
	}
	return o
}

// Task asks a worker to drive one claimed run forward. LeaseToken fences the
// claim: only the holder of the current token may checkpoint the run.
type Task struct {
	Key          string `json:"key"`
	RunID        string `json:"run_id"`
	Version      int64  `json:"version"`
	LeaseToken   string `json:"lease_token"`
	DispatchedAt string `json:"dispatched_at,omitempty"`
}

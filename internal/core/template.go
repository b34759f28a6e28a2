package core

import (
	"fmt"
	"time"
)

// Step kinds.
const (
	StepKindSend = "send"
	StepKindWait = "wait"
)

// DefaultWait is the pause between sends. The demo compresses five days
// into five seconds.
const DefaultWait = 5 * time.Second

// TemplateStep is one element of a campaign plan.
type TemplateStep struct {
	Kind    string        `json:"kind"`
	Subject string        `json:"subject,omitempty"`
	Content string        `json:"content,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
}

// Template is the fixed plan every campaign follows.
type Template struct {
	Steps []TemplateStep `json:"steps"`
}

// DefaultTemplate returns send, wait, send, wait, send using the newsletter
// copy. wait <= 0 falls back to DefaultWait.
func DefaultTemplate(wait time.Duration) Template {
	if wait <= 0 {
		wait = DefaultWait
	}
	return Template{Steps: []TemplateStep{
		{
			Kind:    StepKindSend,
			Subject: "Welcome to the newsletter",
			Content: "Welcome to the newsletter, we are excited to have you on board. Stay tuned for the latest updates and announcements.",
		},
		{Kind: StepKindWait, Wait: wait},
		{
			Kind:    StepKindSend,
			Subject: "New feature announcement",
			Content: "We are excited to announce a new feature that will be available to all our subscribers. Stay tuned for more information.",
		},
		{Kind: StepKindWait, Wait: wait},
		{
			Kind:    StepKindSend,
			Subject: "Discount offer",
			Content: "We are excited to offer you a discount on our premium subscription.\n" +
				"This offer is only available for a limited time, so make sure to take advantage of it.",
		},
	}}
}

// Validate checks the plan alternates sends and waits and starts and ends
// with a send, matching the campaign state machine.
func (t Template) Validate() error {
	if len(t.Steps) != 5 {
		return fmt.Errorf("template must have 5 steps, got %d", len(t.Steps))
	}
	for i, s := range t.Steps {
		want := StepKindSend
		if i%2 == 1 {
			want = StepKindWait
		}
		if s.Kind != want {
			return fmt.Errorf("template step %d: kind %q, want %q", i, s.Kind, want)
		}
		if s.Kind == StepKindWait && s.Wait <= 0 {
			return fmt.Errorf("template step %d: wait must be positive", i)
		}
	}
	return nil
}

// NotificationRecord is the payload of one send.
type NotificationRecord struct {
	To      string `json:"to"`
	Time    string `json:"time"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// NewNotificationRecord builds the record for a send step. It is created
// fresh on every attempt.
func NewNotificationRecord(to string, step TemplateStep, now time.Time) *NotificationRecord {
	return &NotificationRecord{
		To:      to,
		Time:    FormatTime(now),
		Subject: step.Subject,
		Content: step.Content,
	}
}

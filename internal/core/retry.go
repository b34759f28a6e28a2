package core

import (
	"fmt"
	"strings"
	"time"
)

// RetryLevel selects who is responsible for surviving a failed send.
type RetryLevel string

const (
	// RetryNone makes the first failure terminal.
	RetryNone RetryLevel = "none"
	// RetryLocal retries inside the worker process; lost on restart.
	RetryLocal RetryLevel = "local"
	// RetryDurable checkpoints every failed attempt and resumes it after restarts.
	RetryDurable RetryLevel = "durable"
)

// Unbounded is the MaxAttempts value meaning "retry forever".
const Unbounded = 0

// DefaultRetryInterval is the fixed backoff between attempts.
const DefaultRetryInterval = 5 * time.Second

// ParseRetryLevel parses a retry level. "workflow" and "temporal" are
// accepted as aliases of local and durable.
func ParseRetryLevel(s string) (RetryLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return RetryNone, nil
	case "local", "workflow":
		return RetryLocal, nil
	case "durable", "temporal":
		return RetryDurable, nil
	}
	return "", fmt.Errorf("unknown retry level %q", s)
}

// RetryLevels lists the canonical levels.
func RetryLevels() []RetryLevel {
	return []RetryLevel{RetryNone, RetryLocal, RetryDurable}
}

// RetryPolicy defines how a failed send is retried.
type RetryPolicy struct {
	MaxAttempts        int      `json:"max_attempts"`
	InitialInterval    string   `json:"initial_interval,omitempty"`
	BackoffCoefficient float64  `json:"backoff_coefficient,omitempty"`
	MaxInterval        string   `json:"max_interval,omitempty"`
	NonRetryableErrors []string `json:"non_retryable_errors,omitempty"`
}

// ResolvePolicy derives the policy for a retry level. Local and durable share
// the same shape; only the component enforcing it differs.
func ResolvePolicy(level RetryLevel, interval time.Duration) RetryPolicy {
	if level == RetryNone {
		return RetryPolicy{MaxAttempts: 1}
	}
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return RetryPolicy{
		MaxAttempts:        Unbounded,
		InitialInterval:    FormatISO8601Duration(interval),
		BackoffCoefficient: 1.0,
	}
}

// IsUnbounded reports whether the policy never runs out of attempts.
func (p RetryPolicy) IsUnbounded() bool {
	return p.MaxAttempts == Unbounded
}

// Exhausted reports whether attempts used up the policy.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return !p.IsUnbounded() && attempts >= p.MaxAttempts
}

// IsNonRetryable reports whether err ends the retry loop regardless of the
// remaining attempts.
func (p RetryPolicy) IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return true
	}
	code := ErrorCode(err)
	for _, c := range p.NonRetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}

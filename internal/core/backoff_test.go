package core

import (
	"testing"
	"time"
)

func TestCalculateBackoff_NilPolicy(t *testing.T) {
	if d := CalculateBackoff(nil, 1); d != DefaultRetryInterval {
		t.Errorf("CalculateBackoff(nil, 1) = %v, want %v", d, DefaultRetryInterval)
	}
}

func TestCalculateBackoff_Constant(t *testing.T) {
	policy := ResolvePolicy(RetryDurable, 5*time.Second)

	for _, attempt := range []int{1, 2, 3, 10, 100} {
		if got := CalculateBackoff(&policy, attempt); got != 5*time.Second {
			t.Errorf("CalculateBackoff(constant, %d) = %v, want 5s", attempt, got)
		}
	}
}

func TestCalculateBackoff_Exponential(t *testing.T) {
	policy := &RetryPolicy{
		InitialInterval:    "PT1S",
		BackoffCoefficient: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := CalculateBackoff(policy, tt.attempt); got != tt.want {
			t.Errorf("CalculateBackoff(exponential, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateBackoff_MaxInterval(t *testing.T) {
	policy := &RetryPolicy{
		InitialInterval:    "PT1S",
		BackoffCoefficient: 2.0,
		MaxInterval:        "PT10S",
	}

	// 1 * 2^4 = 16s, capped
	if got := CalculateBackoff(policy, 5); got != 10*time.Second {
		t.Errorf("CalculateBackoff with max_interval, attempt 5 = %v, want 10s", got)
	}
}

func TestCalculateBackoff_ZeroAttempt(t *testing.T) {
	policy := &RetryPolicy{InitialInterval: "PT2S", BackoffCoefficient: 3}
	if got := CalculateBackoff(policy, 0); got != 2*time.Second {
		t.Errorf("CalculateBackoff(attempt 0) = %v, want 2s", got)
	}
}

package core

import (
	"math"
	"time"
)

// CalculateBackoff computes the delay before the attempt following attempt.
// A coefficient of 1 yields a constant interval.
func CalculateBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		p := ResolvePolicy(RetryDurable, DefaultRetryInterval)
		policy = &p
	}
	if attempt < 1 {
		attempt = 1
	}

	initialInterval := DefaultRetryInterval
	if policy.InitialInterval != "" {
		if d, err := ParseISO8601Duration(policy.InitialInterval); err == nil {
			initialInterval = d
		}
	}

	coefficient := policy.BackoffCoefficient
	if coefficient <= 0 {
		coefficient = 1.0
	}

	delay := float64(initialInterval) * math.Pow(coefficient, float64(attempt-1))

	if policy.MaxInterval != "" {
		if maxInterval, err := ParseISO8601Duration(policy.MaxInterval); err == nil {
			if delay > float64(maxInterval) {
				delay = float64(maxInterval)
			}
		}
	}

	return time.Duration(delay)
}

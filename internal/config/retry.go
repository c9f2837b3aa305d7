package config

import (
	"math"
	"time"
)

// Backoff bounds handed to the generator clients.
const (
	LLMRetryBase   = time.Second
	LLMRetryMax    = 10 * time.Second
	ImageRetryBase = 2 * time.Second
	ImageRetryMax  = 20 * time.Second

	// Match the exponential backoff the clients run: interval grows by 1.5
	// per retry and is jittered by up to 20%.
	retryMultiplier = 1.5
	retryJitter     = 0.2
)

// RetryBudget is the longest one generator call can hold a delivery: every
// attempt hitting its timeout plus the widest possible backoff between them.
func RetryBudget(attempts int, timeout, base, maxDelay time.Duration) time.Duration {
	attempts = max(attempts, 1)
	total := time.Duration(attempts) * timeout
	interval := float64(base)
	for i := 0; i < attempts-1; i++ {
		total += time.Duration(math.Min(interval, float64(maxDelay)) * (1 + retryJitter))
		interval *= retryMultiplier
	}
	return total
}

// RetryBudget returns the worst-case duration of one completion call.
func (l LLM) RetryBudget() time.Duration {
	return RetryBudget(l.RetryAttempts, time.Duration(l.TimeoutSeconds)*time.Second, LLMRetryBase, LLMRetryMax)
}

// RetryBudget returns the worst-case duration of one image generation call.
func (i Images) RetryBudget() time.Duration {
	return RetryBudget(i.RetryAttempts, time.Duration(i.TimeoutSeconds)*time.Second, ImageRetryBase, ImageRetryMax)
}

// PlacementBudget returns the longest the branding stage waits on the
// placement model. It is a single attempt.
func (b Branding) PlacementBudget() time.Duration {
	if !b.SmartPlacement {
		return 0
	}
	return time.Duration(b.PlacementTimeoutSeconds) * time.Second
}

package webhook

import (
	"math/rand/v2"
	"time"
)

// Backoff between retries of a failed send: 1m, 5m, 30m, 2h, then 12h.
var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

const (
	// DefaultMaxAttempts is the default number of retries before giving up.
	DefaultMaxAttempts = 5

	// JitterFactor is the ±percentage of jitter applied to delays.
	JitterFactor = 0.2
)

// NextRetryDelay returns the backoff for a retry with ±20% jitter.
// attemptCount is 0-indexed (after the first failure, attemptCount = 0).
func NextRetryDelay(attemptCount int) time.Duration {
	attemptCount = min(max(attemptCount, 0), len(retryDelays)-1)
	base := retryDelays[attemptCount]

	jitterRange := float64(base) * JitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(base) + jitter)
}

// NextRetryAt returns when the retry should run, relative to now.
func NextRetryAt(now time.Time, attemptCount int) time.Time {
	return now.Add(NextRetryDelay(attemptCount))
}

// IsExhausted returns true if max attempts have been reached.
func IsExhausted(attemptCount, maxAttempts int) bool {
	return attemptCount >= maxAttempts
}

// RetryDelays returns a copy of the backoff table.
func RetryDelays() []time.Duration {
	return append([]time.Duration{}, retryDelays...)
}

// MaxRetryWindow is the longest span the full backoff table can take.
func MaxRetryWindow() time.Duration {
	var total time.Duration
	for _, d := range retryDelays {
		total += d
	}
	return time.Duration(float64(total) * (1 + JitterFactor))
}

// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Check-in dispatch metrics
	IncCheckInQueued(channel string)
	IncCheckInSent(channel string)
	IncCheckInFailed(channel string)
	IncCheckInResponse()
	ObserveDispatchDuration(duration time.Duration)

	// Inactivity state machine metrics
	IncCaseOpened()
	IncCaseTransition(from, to string)

	// Disclosure metrics
	IncReleaseExecuted()
	IncReleaseCancelled(count int)
	IncReleaseNotice(status string) // status: "sent" or "failed"

	// Activity pipeline metrics
	IncActivityEventPublished(status string) // status: "success" or "dropped"
	IncActivityEventProcessed(status string) // status: "success", "failed", "dead_lettered"
	ObserveActivityBatchSize(size int)
	SetActivityQueueDepth(depth int64)

	// Sign-of-life actions (login, check-in) that could not cancel a case
	IncUserActionFailed(action string)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}

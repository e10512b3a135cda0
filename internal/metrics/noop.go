package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncCheckInQueued is a no-op.
func (n *NoopRecorder) IncCheckInQueued(channel string) {}

// IncCheckInSent is a no-op.
func (n *NoopRecorder) IncCheckInSent(channel string) {}

// IncCheckInFailed is a no-op.
func (n *NoopRecorder) IncCheckInFailed(channel string) {}

// IncCheckInResponse is a no-op.
func (n *NoopRecorder) IncCheckInResponse() {}

// ObserveDispatchDuration is a no-op.
func (n *NoopRecorder) ObserveDispatchDuration(duration time.Duration) {}

// IncCaseOpened is a no-op.
func (n *NoopRecorder) IncCaseOpened() {}

// IncCaseTransition is a no-op.
func (n *NoopRecorder) IncCaseTransition(from, to string) {}

// IncReleaseExecuted is a no-op.
func (n *NoopRecorder) IncReleaseExecuted() {}

// IncReleaseCancelled is a no-op.
func (n *NoopRecorder) IncReleaseCancelled(count int) {}

// IncReleaseNotice is a no-op.
func (n *NoopRecorder) IncReleaseNotice(status string) {}

// IncActivityEventPublished is a no-op.
func (n *NoopRecorder) IncActivityEventPublished(status string) {}

// IncActivityEventProcessed is a no-op.
func (n *NoopRecorder) IncActivityEventProcessed(status string) {}

// ObserveActivityBatchSize is a no-op.
func (n *NoopRecorder) ObserveActivityBatchSize(size int) {}

// SetActivityQueueDepth is a no-op.
func (n *NoopRecorder) SetActivityQueueDepth(depth int64) {}

// IncUserActionFailed is a no-op.
func (n *NoopRecorder) IncUserActionFailed(action string) {}

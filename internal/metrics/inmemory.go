package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	CheckInsQueued      map[string]uint64
	CheckInsSent        map[string]uint64
	CheckInsFailed      map[string]uint64
	CheckInResponses    uint64
	DispatchCount       uint64
	DispatchTotalNs     int64
	CasesOpened         uint64
	CaseTransitions     map[string]uint64 // key: "from->to"
	UserActionsFailed   map[string]uint64
	ReleasesExecuted    uint64
	ReleasesCancelled   uint64
	NoticesSent         uint64
	NoticesFailed       uint64
	ActivityPublished   uint64
	ActivityDropped     uint64
	ActivityProcessed   uint64
	ActivityFailed      uint64
	ActivityDeadLetters uint64
	ActivityBatches     uint64
	ActivityQueueDepth  int64
}

// InMemoryRecorder stores metrics in memory. It backs the /metrics endpoint
// and is used by tests to assert on instrumentation.
type InMemoryRecorder struct {
	mu          sync.Mutex
	queued      map[string]uint64
	sent        map[string]uint64
	failed      map[string]uint64
	transitions map[string]uint64
	actionFails map[string]uint64

	responses           uint64
	dispatchCount       uint64
	dispatchTotalNs     int64
	casesOpened         uint64
	releasesExecuted    uint64
	releasesCancelled   uint64
	noticesSent         uint64
	noticesFailed       uint64
	activityPublished   uint64
	activityDropped     uint64
	activityProcessed   uint64
	activityFailed      uint64
	activityDeadLetters uint64
	activityBatches     uint64
	activityQueueDepth  int64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		queued:      make(map[string]uint64),
		sent:        make(map[string]uint64),
		failed:      make(map[string]uint64),
		transitions: make(map[string]uint64),
		actionFails: make(map[string]uint64),
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		CheckInsQueued:  copyCounts(m.queued),
		CheckInsSent:    copyCounts(m.sent),
		CheckInsFailed:  copyCounts(m.failed),
		CaseTransitions: copyCounts(m.transitions),

		UserActionsFailed: copyCounts(m.actionFails),
	}
	m.mu.Unlock()

	snap.CheckInResponses = atomic.LoadUint64(&m.responses)
	snap.DispatchCount = atomic.LoadUint64(&m.dispatchCount)
	snap.DispatchTotalNs = atomic.LoadInt64(&m.dispatchTotalNs)
	snap.CasesOpened = atomic.LoadUint64(&m.casesOpened)
	snap.ReleasesExecuted = atomic.LoadUint64(&m.releasesExecuted)
	snap.ReleasesCancelled = atomic.LoadUint64(&m.releasesCancelled)
	snap.NoticesSent = atomic.LoadUint64(&m.noticesSent)
	snap.NoticesFailed = atomic.LoadUint64(&m.noticesFailed)
	snap.ActivityPublished = atomic.LoadUint64(&m.activityPublished)
	snap.ActivityDropped = atomic.LoadUint64(&m.activityDropped)
	snap.ActivityProcessed = atomic.LoadUint64(&m.activityProcessed)
	snap.ActivityFailed = atomic.LoadUint64(&m.activityFailed)
	snap.ActivityDeadLetters = atomic.LoadUint64(&m.activityDeadLetters)
	snap.ActivityBatches = atomic.LoadUint64(&m.activityBatches)
	snap.ActivityQueueDepth = atomic.LoadInt64(&m.activityQueueDepth)
	return snap
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *InMemoryRecorder) inc(counts map[string]uint64, key string) {
	m.mu.Lock()
	counts[key]++
	m.mu.Unlock()
}

// IncCheckInQueued increments the queued counter for a channel.
func (m *InMemoryRecorder) IncCheckInQueued(channel string) { m.inc(m.queued, channel) }

// IncCheckInSent increments the sent counter for a channel.
func (m *InMemoryRecorder) IncCheckInSent(channel string) { m.inc(m.sent, channel) }

// IncCheckInFailed increments the send failure counter for a channel.
func (m *InMemoryRecorder) IncCheckInFailed(channel string) { m.inc(m.failed, channel) }

// IncCheckInResponse increments the response counter.
func (m *InMemoryRecorder) IncCheckInResponse() {
	atomic.AddUint64(&m.responses, 1)
}

// ObserveDispatchDuration records how long one send took.
func (m *InMemoryRecorder) ObserveDispatchDuration(duration time.Duration) {
	atomic.AddUint64(&m.dispatchCount, 1)
	atomic.AddInt64(&m.dispatchTotalNs, duration.Nanoseconds())
}

// IncCaseOpened increments the opened case counter.
func (m *InMemoryRecorder) IncCaseOpened() {
	atomic.AddUint64(&m.casesOpened, 1)
}

// IncCaseTransition counts a state change.
func (m *InMemoryRecorder) IncCaseTransition(from, to string) {
	m.inc(m.transitions, from+"->"+to)
}

// IncReleaseExecuted increments the executed release counter.
func (m *InMemoryRecorder) IncReleaseExecuted() {
	atomic.AddUint64(&m.releasesExecuted, 1)
}

// IncReleaseCancelled adds cancelled releases.
func (m *InMemoryRecorder) IncReleaseCancelled(count int) {
	if count > 0 {
		atomic.AddUint64(&m.releasesCancelled, uint64(count))
	}
}

// IncReleaseNotice counts nominee notices by status.
func (m *InMemoryRecorder) IncReleaseNotice(status string) {
	if status == "sent" {
		atomic.AddUint64(&m.noticesSent, 1)
		return
	}
	atomic.AddUint64(&m.noticesFailed, 1)
}

// IncActivityEventPublished counts heartbeat publishes by status.
func (m *InMemoryRecorder) IncActivityEventPublished(status string) {
	if status == "dropped" {
		atomic.AddUint64(&m.activityDropped, 1)
		return
	}
	atomic.AddUint64(&m.activityPublished, 1)
}

// IncActivityEventProcessed counts processed heartbeats by status.
func (m *InMemoryRecorder) IncActivityEventProcessed(status string) {
	switch status {
	case "success":
		atomic.AddUint64(&m.activityProcessed, 1)
	case "dead_lettered":
		atomic.AddUint64(&m.activityDeadLetters, 1)
	default:
		atomic.AddUint64(&m.activityFailed, 1)
	}
}

// ObserveActivityBatchSize counts processed batches.
func (m *InMemoryRecorder) ObserveActivityBatchSize(size int) {
	atomic.AddUint64(&m.activityBatches, 1)
}

// SetActivityQueueDepth records the stream backlog.
func (m *InMemoryRecorder) SetActivityQueueDepth(depth int64) {
	atomic.StoreInt64(&m.activityQueueDepth, depth)
}

// IncUserActionFailed counts sign-of-life actions that were not applied.
func (m *InMemoryRecorder) IncUserActionFailed(action string) { m.inc(m.actionFails, action) }

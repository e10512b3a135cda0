package handler

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/legacyvault/legacyvault/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeLabeled(w, "legacyvault_checkins_queued_total", "channel", snap.CheckInsQueued)
	writeLabeled(w, "legacyvault_checkins_sent_total", "channel", snap.CheckInsSent)
	writeLabeled(w, "legacyvault_checkins_failed_total", "channel", snap.CheckInsFailed)
	writeMetric(w, "legacyvault_checkin_responses_total %d\n", snap.CheckInResponses)
	writeMetric(w, "legacyvault_dispatch_duration_seconds_count %d\n", snap.DispatchCount)
	writeMetric(w, "legacyvault_dispatch_duration_seconds_sum %.6f\n", float64(snap.DispatchTotalNs)/1e9)

	writeMetric(w, "legacyvault_cases_opened_total %d\n", snap.CasesOpened)
	for _, key := range sortedKeys(snap.CaseTransitions) {
		from, to, _ := strings.Cut(key, "->")
		writeMetric(w, "legacyvault_case_transitions_total{from=%q,to=%q} %d\n", from, to, snap.CaseTransitions[key])
	}

	writeMetric(w, "legacyvault_releases_total{status=\"released\"} %d\n", snap.ReleasesExecuted)
	writeMetric(w, "legacyvault_releases_total{status=\"cancelled\"} %d\n", snap.ReleasesCancelled)
	writeMetric(w, "legacyvault_release_notices_total{status=\"sent\"} %d\n", snap.NoticesSent)
	writeMetric(w, "legacyvault_release_notices_total{status=\"failed\"} %d\n", snap.NoticesFailed)

	writeMetric(w, "legacyvault_activity_events_published_total{status=\"success\"} %d\n", snap.ActivityPublished)
	writeMetric(w, "legacyvault_activity_events_published_total{status=\"dropped\"} %d\n", snap.ActivityDropped)
	writeMetric(w, "legacyvault_activity_events_processed_total{status=\"success\"} %d\n", snap.ActivityProcessed)
	writeMetric(w, "legacyvault_activity_events_processed_total{status=\"failed\"} %d\n", snap.ActivityFailed)
	writeMetric(w, "legacyvault_activity_events_processed_total{status=\"dead_lettered\"} %d\n", snap.ActivityDeadLetters)
	writeMetric(w, "legacyvault_activity_batches_total %d\n", snap.ActivityBatches)
	writeMetric(w, "legacyvault_activity_queue_depth %d\n", snap.ActivityQueueDepth)

	writeLabeled(w, "legacyvault_user_actions_failed_total", "action", snap.UserActionsFailed)
}

func writeLabeled(w http.ResponseWriter, name, label string, values map[string]uint64) {
	for _, key := range sortedKeys(values) {
		writeMetric(w, "%s{%s=%q} %d\n", name, label, key, values[key])
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

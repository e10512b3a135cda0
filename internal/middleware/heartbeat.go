package middleware

import (
	"net/http"
	"time"

	"github.com/legacyvault/legacyvault/internal/activity"
	"github.com/legacyvault/legacyvault/internal/auth"
)

// HeartbeatSource is the source recorded for authenticated API traffic.
const HeartbeatSource = "api"

// HeartbeatPublisher accepts activity heartbeats without blocking.
type HeartbeatPublisher interface {
	Publish(hb activity.Heartbeat) bool
}

// Heartbeat returns middleware that publishes an activity heartbeat for
// every authenticated request. Must be applied after Auth middleware.
// A nil publisher disables the middleware.
func Heartbeat(pub HeartbeatPublisher, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		if pub == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := auth.UserIDFromContext(r.Context()); userID != "" {
				pub.Publish(activity.NewHeartbeat(userID, HeartbeatSource, now()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

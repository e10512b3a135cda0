// Package activity ingests API heartbeats through a Redis stream and folds
// them into users' last_active_at.
package activity

import (
	"fmt"
	"time"

	"github.com/legacyvault/legacyvault/internal/idgen"
)

const (
	// StreamKey is the Redis stream for heartbeats.
	StreamKey = "activity:events"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "activity:events:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	maxSourceLength = 32
	maxClockSkew    = 5 * time.Minute
)

// Heartbeat is one observation of a user being active. It is not a response
// to a check-in.
type Heartbeat struct {
	UserID     string `json:"u"`
	Source     string `json:"s"`
	OccurredAt int64  `json:"t"` // Unix milliseconds
}

// NewHeartbeat builds a heartbeat for userID at t.
func NewHeartbeat(userID, source string, t time.Time) Heartbeat {
	return Heartbeat{UserID: userID, Source: source, OccurredAt: t.UnixMilli()}
}

// Time returns the observation time.
func (h Heartbeat) Time() time.Time {
	return time.UnixMilli(h.OccurredAt).UTC()
}

// Validate checks heartbeat fields. now bounds how far in the future a
// heartbeat may claim to be.
func (h Heartbeat) Validate(now time.Time) error {
	if h.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !idgen.IsValid(h.UserID) {
		return fmt.Errorf("user_id is not a valid id")
	}
	if h.Source == "" {
		return fmt.Errorf("source is required")
	}
	if len(h.Source) > maxSourceLength {
		return fmt.Errorf("source too long")
	}
	if h.OccurredAt <= 0 {
		return fmt.Errorf("occurred_at must be set")
	}
	if h.Time().After(now.Add(maxClockSkew)) {
		return fmt.Errorf("occurred_at is in the future")
	}
	return nil
}

// Collapse keeps the latest heartbeat time per user.
func Collapse(beats []Heartbeat) map[string]time.Time {
	seen := make(map[string]time.Time, len(beats))
	for _, hb := range beats {
		t := hb.Time()
		if prev, ok := seen[hb.UserID]; !ok || t.After(prev) {
			seen[hb.UserID] = t
		}
	}
	return seen
}

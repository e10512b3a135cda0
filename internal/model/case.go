package model

import "time"

// CaseState is the state of an inactivity case.
type CaseState string

const (
	CaseStateActive            CaseState = "active"
	CaseStateAwaitingResponse  CaseState = "awaiting_response"
	CaseStateEscalating        CaseState = "escalating"
	CaseStatePaused            CaseState = "paused"
	CaseStateConfirmedInactive CaseState = "confirmed_inactive"
	CaseStateCancelled         CaseState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s CaseState) IsTerminal() bool {
	return s == CaseStateConfirmedInactive || s == CaseStateCancelled
}

// IsProbing reports whether the case is waiting on check-in outcomes.
func (s CaseState) IsProbing() bool {
	return s == CaseStateAwaitingResponse || s == CaseStateEscalating
}

// IsValid checks if the state is known.
func (s CaseState) IsValid() bool {
	switch s {
	case CaseStateActive, CaseStateAwaitingResponse, CaseStateEscalating,
		CaseStatePaused, CaseStateConfirmedInactive, CaseStateCancelled:
		return true
	}
	return false
}

// Close reasons recorded on terminal cases.
const (
	CloseReasonConfirmed = "confirmed_inactive"
	CloseReasonCancelled = "cancelled"
	CloseReasonLogin     = "login"
	CloseReasonManual    = "manual_check_in"
	CloseReasonImFine    = "im_fine"
)

// InactivityCase tracks one monitoring episode for a user. At most one case
// per user is open (ClosedAt == nil) at any time.
type InactivityCase struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	State  CaseState `json:"state"`

	// AttemptsSent counts unanswered check-ins in the current round.
	AttemptsSent int `json:"attempts_sent"`

	// ProbeSeq numbers probes issued over the life of the case.
	ProbeSeq int `json:"probe_seq"`

	OpenedAt       time.Time `json:"opened_at"`
	RoundStartedAt time.Time `json:"round_started_at"`

	NextEvalAt            *time.Time `json:"next_eval_at,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmed_at,omitempty"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	CloseReason           string     `json:"close_reason,omitempty"`
	DisclosureCancelledAt *time.Time `json:"disclosure_cancelled_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen returns true while the case has not been closed.
func (c *InactivityCase) IsOpen() bool {
	return c.ClosedAt == nil
}

// Clone returns a copy safe to mutate.
func (c *InactivityCase) Clone() *InactivityCase {
	cp := *c
	cp.NextEvalAt = cloneTime(c.NextEvalAt)
	cp.ConfirmedAt = cloneTime(c.ConfirmedAt)
	cp.ClosedAt = cloneTime(c.ClosedAt)
	cp.DisclosureCancelledAt = cloneTime(c.DisclosureCancelledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

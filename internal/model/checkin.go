package model

import "time"

// AttemptOutcome is the observed result of a check-in attempt.
type AttemptOutcome string

const (
	OutcomePending    AttemptOutcome = "pending"
	OutcomeAnswered   AttemptOutcome = "answered"
	OutcomeUnanswered AttemptOutcome = "unanswered"
	OutcomeSendFailed AttemptOutcome = "send_failed"
	// OutcomeWithdrawn marks a probe superseded by a round reset before any
	// outcome was observed.
	OutcomeWithdrawn AttemptOutcome = "withdrawn"
)

// CheckInAttempt is one probe sent (or queued) to a user over one channel.
// The outcome is immutable once it leaves pending.
type CheckInAttempt struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id"`
	CaseID   string  `json:"case_id"`
	ProbeSeq int     `json:"probe_seq"`
	Channel  Channel `json:"channel"`

	Outcome   AttemptOutcome `json:"outcome"`
	NotBefore time.Time      `json:"not_before"`

	SentAt     *time.Time `json:"sent_at,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	ResponseAt *time.Time `json:"response_at,omitempty"`
	OutcomeAt  *time.Time `json:"outcome_at,omitempty"`

	ProviderRef       string `json:"provider_ref,omitempty"`
	Failure           string `json:"failure,omitempty"`
	ResponseTokenHash string `json:"-"`

	// LeaseUntil is set while a dispatcher owns the attempt.
	LeaseUntil *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// IsQueued returns true if the attempt is waiting to be sent.
func (a *CheckInAttempt) IsQueued() bool {
	return a.Outcome == OutcomePending && a.SentAt == nil
}

// IsInFlight returns true if the attempt was sent and awaits a response.
func (a *CheckInAttempt) IsInFlight() bool {
	return a.Outcome == OutcomePending && a.SentAt != nil
}

// IsExpired returns true if the attempt was sent and its deadline has passed.
func (a *CheckInAttempt) IsExpired(now time.Time) bool {
	return a.IsInFlight() && a.DeadlineAt != nil && !now.Before(*a.DeadlineAt)
}

// LedgerEntryKind classifies entries in the check-in ledger.
type LedgerEntryKind string

const (
	EntryProbeQueued    LedgerEntryKind = "probe_queued"
	EntryProbeSent      LedgerEntryKind = "probe_sent"
	EntrySendFailed     LedgerEntryKind = "send_failed"
	EntryResponse       LedgerEntryKind = "response"
	EntryUnanswered     LedgerEntryKind = "unanswered"
	EntryWithdrawn      LedgerEntryKind = "withdrawn"
	EntryActivity       LedgerEntryKind = "activity"
	EntryExplicitAction LedgerEntryKind = "explicit_action"
	EntryCaseOpened     LedgerEntryKind = "case_opened"
	EntryCaseTransition LedgerEntryKind = "case_transition"
	EntryCorrection     LedgerEntryKind = "correction"
)

// ResponseKinds are the entry kinds that count as the user responding.
var ResponseKinds = []LedgerEntryKind{EntryResponse, EntryExplicitAction}

// LedgerEntry is an append-only record in a user's check-in history.
type LedgerEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	CaseID         string            `json:"case_id,omitempty"`
	AttemptID      string            `json:"attempt_id,omitempty"`
	Kind           LedgerEntryKind   `json:"kind"`
	Channel        Channel           `json:"channel,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	RecordedAt     time.Time         `json:"recorded_at"`
	Detail         map[string]string `json:"detail,omitempty"`
	IdempotencyKey string            `json:"-"`
}

package dto

import (
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
)

// PolicyRequest is a full replacement of the inactivity policy.
// Durations are whole seconds.
type PolicyRequest struct {
	Enabled                bool     `json:"enabled"`
	CheckInThreshold       int      `json:"check_in_threshold"`
	IntervalSeconds        int64    `json:"interval_seconds"`
	ResponseTimeoutSeconds int64    `json:"response_timeout_seconds"`
	GracePeriodSeconds     int64    `json:"grace_period_seconds"`
	Channels               []string `json:"channels"`
}

// PolicyResponse represents a policy in API responses.
type PolicyResponse struct {
	UserID                 string    `json:"user_id"`
	Enabled                bool      `json:"enabled"`
	CheckInThreshold       int       `json:"check_in_threshold"`
	IntervalSeconds        int64     `json:"interval_seconds"`
	ResponseTimeoutSeconds int64     `json:"response_timeout_seconds"`
	GracePeriodSeconds     int64     `json:"grace_period_seconds"`
	Channels               []string  `json:"channels"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// CaseResponse represents an inactivity case in API responses.
type CaseResponse struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	State                 string     `json:"state"`
	AttemptsSent          int        `json:"attempts_sent"`
	ProbeSeq              int        `json:"probe_seq"`
	OpenedAt              time.Time  `json:"opened_at"`
	RoundStartedAt        time.Time  `json:"round_started_at"`
	NextEvalAt            *time.Time `json:"next_eval_at,omitempty"`
	ConfirmedAt           *time.Time `json:"confirmed_at,omitempty"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
	CloseReason           string     `json:"close_reason,omitempty"`
	DisclosureCancelledAt *time.Time `json:"disclosure_cancelled_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// CheckInRequest records an explicit user action.
type CheckInRequest struct {
	Kind string `json:"kind"`
}

// CheckInResponse acknowledges an explicit action. Case is nil when the
// user had no case.
type CheckInResponse struct {
	Recorded bool          `json:"recorded"`
	Case     *CaseResponse `json:"case"`
}

// CorrectionRequest annotates an earlier ledger entry.
type CorrectionRequest struct {
	Note string `json:"note"`
}

// RespondRequest answers a check-in probe through its link token.
type RespondRequest struct {
	Token  string `json:"token"`
	Source string `json:"source,omitempty"`
}

// LedgerEntryResponse represents one check-in history entry.
type LedgerEntryResponse struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	CaseID     string            `json:"case_id,omitempty"`
	AttemptID  string            `json:"attempt_id,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// ReleaseResponse represents one planned or executed disclosure.
type ReleaseResponse struct {
	ID                   string     `json:"id"`
	CaseID               string     `json:"case_id"`
	AssetID              string     `json:"asset_id"`
	NomineeID            string     `json:"nominee_id"`
	Visibility           string     `json:"visibility"`
	Status               string     `json:"status"`
	DueAt                time.Time  `json:"due_at"`
	RequiresVerification bool       `json:"requires_verification"`
	ReleasedAt           *time.Time `json:"released_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	NoticeStatus         string     `json:"notice_status"`
}

// ListResponse wraps collection responses.
type ListResponse[T any] struct {
	Data []T `json:"data"`
}

// ToPolicyResponse converts a policy model to PolicyResponse DTO.
func ToPolicyResponse(p *model.InactivityPolicy) *PolicyResponse {
	channels := make([]string, len(p.Channels))
	for i, ch := range p.Channels {
		channels[i] = string(ch)
	}
	return &PolicyResponse{
		UserID:                 p.UserID,
		Enabled:                p.Enabled,
		CheckInThreshold:       p.CheckInThreshold,
		IntervalSeconds:        int64(p.Interval / time.Second),
		ResponseTimeoutSeconds: int64(p.ResponseTimeout / time.Second),
		GracePeriodSeconds:     int64(p.GracePeriod / time.Second),
		Channels:               channels,
		UpdatedAt:              p.UpdatedAt,
	}
}

// ToCaseResponse converts a case model to CaseResponse DTO. nil stays nil.
func ToCaseResponse(c *model.InactivityCase) *CaseResponse {
	if c == nil {
		return nil
	}
	return &CaseResponse{
		ID:                    c.ID,
		UserID:                c.UserID,
		State:                 string(c.State),
		AttemptsSent:          c.AttemptsSent,
		ProbeSeq:              c.ProbeSeq,
		OpenedAt:              c.OpenedAt,
		RoundStartedAt:        c.RoundStartedAt,
		NextEvalAt:            c.NextEvalAt,
		ConfirmedAt:           c.ConfirmedAt,
		ClosedAt:              c.ClosedAt,
		CloseReason:           c.CloseReason,
		DisclosureCancelledAt: c.DisclosureCancelledAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

// ToLedgerEntryResponse converts a ledger entry to its DTO.
func ToLedgerEntryResponse(e *model.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:         e.ID,
		Kind:       string(e.Kind),
		CaseID:     e.CaseID,
		AttemptID:  e.AttemptID,
		Channel:    string(e.Channel),
		OccurredAt: e.OccurredAt,
		Detail:     e.Detail,
	}
}

// ToLedgerList converts ledger entries to their DTOs.
func ToLedgerList(entries []*model.LedgerEntry) *ListResponse[LedgerEntryResponse] {
	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToLedgerEntryResponse(e))
	}
	return &ListResponse[LedgerEntryResponse]{Data: out}
}

// ToReleaseList converts releases to their DTOs.
func ToReleaseList(releases []*model.Release) *ListResponse[ReleaseResponse] {
	out := make([]ReleaseResponse, 0, len(releases))
	for _, r := range releases {
		out = append(out, ReleaseResponse{
			ID:                   r.ID,
			CaseID:               r.CaseID,
			AssetID:              r.AssetID,
			NomineeID:            r.NomineeID,
			Visibility:           string(r.Visibility),
			Status:               string(r.Status),
			DueAt:                r.DueAt,
			RequiresVerification: r.RequiresVerification,
			ReleasedAt:           r.ReleasedAt,
			CancelledAt:          r.CancelledAt,
			NoticeStatus:         string(r.NoticeStatus),
		})
	}
	return &ListResponse[ReleaseResponse]{Data: out}
}

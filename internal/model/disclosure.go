package model

import (
	"slices"
	"time"
)

// Visibility controls when an asset is disclosed after confirmation.
type Visibility string

const (
	VisibilityImmediate            Visibility = "immediate"
	VisibilityDelayed              Visibility = "delayed"
	VisibilityHiddenUntilConfirmed Visibility = "hidden_until_confirmed"
)

// IsValid checks if the visibility is known.
func (v Visibility) IsValid() bool {
	return v == VisibilityImmediate || v == VisibilityDelayed || v == VisibilityHiddenUntilConfirmed
}

// AccessLevel restricts what a nominee can see before identity verification.
type AccessLevel string

const (
	AccessLevelFull     AccessLevel = "full"
	AccessLevelVerified AccessLevel = "verified"
)

// IsValid checks if the access level is known.
func (a AccessLevel) IsValid() bool {
	return a == AccessLevelFull || a == AccessLevelVerified
}

// Asset is an inventory item together with its disclosure rule.
type Asset struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Ref         string        `json:"asset_ref"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Visibility  Visibility    `json:"visibility"`
	Delay       time.Duration `json:"delay"`
	ObjectKey   string        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	DeletedAt   *time.Time    `json:"-"`
}

// HasObject returns true if an uploaded payload is attached.
func (a *Asset) HasObject() bool {
	return a.ObjectKey != ""
}

// Nominee is a designated recipient of disclosed assets.
type Nominee struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	Name         string      `json:"name"`
	Relation     string      `json:"relation,omitempty"`
	Email        string      `json:"email,omitempty"`
	Phone        string      `json:"phone,omitempty"`
	DOB          *time.Time  `json:"dob,omitempty"`
	AccessLevel  AccessLevel `json:"access_level"`
	SharePercent int         `json:"share_percent"`
	AssetIDs     []string    `json:"asset_ids"`
	VerifiedAt   *time.Time  `json:"verified_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	DeletedAt    *time.Time  `json:"-"`
}

// IsVerified returns true once the nominee passed the identity challenge.
func (n *Nominee) IsVerified() bool {
	return n.VerifiedAt != nil
}

// IsAssigned reports whether the nominee receives the asset.
func (n *Nominee) IsAssigned(assetID string) bool {
	return slices.Contains(n.AssetIDs, assetID)
}

// ReleaseStatus is the execution state of a planned release.
type ReleaseStatus string

const (
	ReleaseScheduled ReleaseStatus = "scheduled"
	ReleaseReleased  ReleaseStatus = "released"
	ReleaseCancelled ReleaseStatus = "cancelled"
)

// NoticeStatus tracks the nominee notification for a release.
type NoticeStatus string

const (
	NoticePending NoticeStatus = "pending"
	NoticeSent    NoticeStatus = "sent"
	NoticeFailed  NoticeStatus = "failed"
)

// Release is the durable record of disclosing one asset to one nominee.
// (user, asset, nominee) is unique, which makes execution at-most-once.
type Release struct {
	ID                   string        `json:"id"`
	CaseID               string        `json:"case_id"`
	UserID               string        `json:"user_id"`
	AssetID              string        `json:"asset_id"`
	NomineeID            string        `json:"nominee_id"`
	Visibility           Visibility    `json:"visibility"`
	DueAt                time.Time     `json:"due_at"`
	Status               ReleaseStatus `json:"status"`
	RequiresVerification bool          `json:"requires_verification"`
	ReleasedAt           *time.Time    `json:"released_at,omitempty"`
	CancelledAt          *time.Time    `json:"cancelled_at,omitempty"`
	AccessTokenHash      string        `json:"-"`
	NoticeStatus         NoticeStatus  `json:"notice_status"`
	NoticeAttempts       int           `json:"notice_attempts"`
	NextNoticeAt         *time.Time    `json:"next_notice_at,omitempty"`
	LastError            string        `json:"-"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// IsDue returns true if a scheduled release may execute at now.
func (r *Release) IsDue(now time.Time) bool {
	return r.Status == ReleaseScheduled && !now.Before(r.DueAt)
}
